package gradscale_test

import (
	"testing"

	"github.com/gomlx/fsdp/internal/gradscale"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestCompute(t *testing.T) {
	cases := []struct {
		worldSize int
		wantPre   float64
		wantPost  float64
	}{
		{1, 1, 1},
		{2, 1, 2},
		{4, 1, 4},
		{8, 2, 4},
		{16, 2, 8},
		{64, 4, 16},
		{3, 1, 3},
		{12, 2, 6},
	}
	for _, c := range cases {
		got, err := gradscale.Compute(c.worldSize)
		require.NoError(t, err)
		require.Equal(t, c.wantPre, got.Pre, "worldSize=%d pre", c.worldSize)
		require.Equal(t, c.wantPost, got.Post, "worldSize=%d post", c.worldSize)
		require.InDelta(t, float64(c.worldSize), got.Pre*got.Post, 1e-9)
	}
}

func TestCompute_RejectsNonPositive(t *testing.T) {
	_, err := gradscale.Compute(0)
	require.Error(t, err)
	_, err = gradscale.Compute(-4)
	require.Error(t, err)
}

func TestScaleF16_RoundTrip(t *testing.T) {
	data := f16Bytes(t, 1.5, -2.0, 0.25)
	require.NoError(t, gradscale.ScaleF16(data, 2.0))

	got := f16Floats(data)
	require.InDelta(t, 3.0, got[0], 1e-3)
	require.InDelta(t, -4.0, got[1], 1e-3)
	require.InDelta(t, 0.5, got[2], 1e-3)
}

func TestScaleF16_RejectsOddLength(t *testing.T) {
	require.Error(t, gradscale.ScaleF16([]byte{0x00, 0x01, 0x02}, 1.0))
}

func TestAppliesToDType(t *testing.T) {
	require.True(t, gradscale.AppliesToDType(dtypes.F16))
	require.False(t, gradscale.AppliesToDType(dtypes.Float32))
}

func f16Bytes(t *testing.T, values ...float64) []byte {
	t.Helper()
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		bits := float16.Fromfloat32(float32(v)).Bits()
		out = append(out, byte(bits), byte(bits>>8))
	}
	return out
}

func f16Floats(data []byte) []float64 {
	out := make([]float64, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		bits := uint16(data[i]) | uint16(data[i+1])<<8
		out = append(out, float64(float16.Frombits(bits).Float32()))
	}
	return out
}
