// Package gradscale computes the pre/post gradient-divide factors used to
// avoid overflow/underflow during reduce-scatter on large worker counts,
// and applies the pre/post scaling on narrow floating-point types that
// need it.
package gradscale

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DivideFactors holds the pre- and post-reduce-scatter scaling factors.
// PreFactor * PostFactor == worldSize exactly.
type DivideFactors struct {
	Pre  float64
	Post float64
}

// Compute chooses the largest power of two F such that worldSize % F == 0
// and worldSize / F > F: gradients are scaled by 1/Pre before
// reduce-scatter and by 1/Post after, keeping intermediate magnitudes near
// sqrt(worldSize) instead of the full worldSize.
func Compute(worldSize int) (DivideFactors, error) {
	if worldSize <= 0 {
		return DivideFactors{}, errors.Errorf("gradscale: worldSize must be positive, got %d", worldSize)
	}
	factor := 1
	for worldSize%(factor*2) == 0 && worldSize/(factor*2) > factor*2 {
		factor *= 2
	}
	pre := float64(factor)
	post := float64(worldSize) / pre
	return DivideFactors{Pre: pre, Post: post}, nil
}

// ScaleF16 multiplies every element of data (interpreted as packed IEEE-754
// binary16 values) by factor in place, rounding through float32. Reduce-
// scatter pre/post scaling must not silently overflow fp16 on large worker
// counts, so scaling happens in the same half-precision representation the
// gradient tensor carries.
func ScaleF16(data []byte, factor float64) error {
	if len(data)%2 != 0 {
		return errors.Errorf("gradscale: F16 buffer length %d is not a multiple of 2", len(data))
	}
	f32Factor := float32(factor)
	for i := 0; i+1 < len(data); i += 2 {
		bits := uint16(data[i]) | uint16(data[i+1])<<8
		v := float16.Frombits(bits).Float32()
		scaled := float16.Fromfloat32(v * f32Factor)
		bits = scaled.Bits()
		data[i] = byte(bits)
		data[i+1] = byte(bits >> 8)
	}
	return nil
}

// AppliesToDType reports whether ScaleF16's narrow-precision path is needed
// for dtype, as opposed to scaling being handled in the transport's native
// (typically f32 accumulation) path.
func AppliesToDType(dtype dtypes.DType) bool {
	return dtype == dtypes.F16
}
