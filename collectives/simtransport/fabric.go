// Package simtransport is a deterministic, in-process implementation of
// collectives.Transport. It has no notion of a real network or accelerator:
// each data-parallel rank runs as one goroutine, and collectives rendezvous
// through a shared Fabric using plain channels. It exists so tests can drive
// several FSDPParamGroup state machines -- one per simulated rank -- through
// a real multi-worker training step and check numerics (gradient-scaling
// invariants, round-trips, parity-style checks), without depending on any
// actual accelerator or NCCL-like library.
//
// It intentionally supports only dtypes.F32 and dtypes.F16 payloads, the two
// dtypes most exposed to the overflow/underflow concern that motivates
// gradient pre/post scaling.
package simtransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gomlx/fsdp/collectives"
	"github.com/gomlx/fsdp/internal/accel"
	"github.com/gomlx/fsdp/internal/gradscale"
	"github.com/gomlx/fsdp/types/fsdpparam"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Fabric is the shared rendezvous point for worldSize simulated ranks. All
// ranks must call into the same Fabric for a given collective round to make
// progress.
type Fabric struct {
	worldSize int

	mu     sync.Mutex
	rounds map[string]*round
}

type round struct {
	mu       sync.Mutex
	total    int
	arrived  int
	payloads [][]byte
	dtype    dtypes.DType
	done     chan struct{}
	result   []byte
	err      error
}

// NewFabric creates a Fabric for exactly worldSize participating ranks.
func NewFabric(worldSize int) *Fabric {
	if worldSize <= 0 {
		worldSize = 1
	}
	return &Fabric{worldSize: worldSize, rounds: make(map[string]*round)}
}

func (f *Fabric) getRound(tag string) *round {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[tag]
	if !ok {
		r = &round{total: f.worldSize, payloads: make([][]byte, f.worldSize), done: make(chan struct{})}
		f.rounds[tag] = r
	}
	return r
}

func (f *Fabric) clearRound(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rounds, tag)
}

// allGatherRound concatenates payload from every rank, in rank order.
func (f *Fabric) allGatherRound(tag string, rank int, payload []byte) ([]byte, error) {
	r := f.getRound(tag)
	r.mu.Lock()
	r.payloads[rank] = payload
	r.arrived++
	last := r.arrived == r.total
	r.mu.Unlock()

	if last {
		var out []byte
		for _, p := range r.payloads {
			out = append(out, p...)
		}
		r.result = out
		close(r.done)
		f.clearRound(tag)
	}
	<-r.done
	return r.result, r.err
}

// reduceScatterRound sums payload (already pre-scaled by 1/PreFactor by the
// caller) element-wise across all ranks, then returns rank's post-scaled
// slice of the sum.
func (f *Fabric) reduceScatterRound(tag string, rank int, payload []byte, dtype dtypes.DType, postFactor float64) ([]byte, error) {
	r := f.getRound(tag)
	r.mu.Lock()
	r.payloads[rank] = payload
	r.dtype = dtype
	r.arrived++
	last := r.arrived == r.total
	r.mu.Unlock()

	if last {
		sum, err := sumBuffers(r.payloads, dtype)
		if err == nil {
			err = scaleBuffer(sum, dtype, 1/postFactor)
		}
		r.result = sum
		r.err = err
		close(r.done)
		f.clearRound(tag)
	}
	<-r.done
	if r.err != nil {
		return nil, r.err
	}
	// Each rank gets an equal-sized slice of the summed buffer (reduce-
	// scatter semantics): rank i gets bytes [i*chunk, (i+1)*chunk).
	chunk := len(r.result) / r.total
	start := rank * chunk
	end := start + chunk
	if end > len(r.result) {
		end = len(r.result)
	}
	out := make([]byte, end-start)
	copy(out, r.result[start:end])
	return out, nil
}

func elemSize(dtype dtypes.DType) (int, error) {
	switch dtype {
	case dtypes.F32:
		return 4, nil
	case dtypes.F16:
		return 2, nil
	default:
		return 0, errors.Errorf("simtransport: unsupported dtype %s", dtype)
	}
}

func sumBuffers(buffers [][]byte, dtype dtypes.DType) ([]byte, error) {
	width, err := elemSize(dtype)
	if err != nil {
		return nil, err
	}
	if len(buffers) == 0 {
		return nil, nil
	}
	n := len(buffers[0])
	for _, b := range buffers {
		if len(b) != n {
			return nil, errors.Errorf("simtransport: mismatched gradient buffer lengths %d vs %d", len(b), n)
		}
	}
	sum := make([]float64, n/width)
	for _, b := range buffers {
		for i := 0; i < len(sum); i++ {
			sum[i] += readElem(b, i, width, dtype)
		}
	}
	out := make([]byte, n)
	for i, v := range sum {
		writeElem(out, i, width, dtype, v)
	}
	return out, nil
}

func scaleBuffer(buf []byte, dtype dtypes.DType, factor float64) error {
	if dtype == dtypes.F16 {
		return gradscale.ScaleF16(buf, factor)
	}
	width, err := elemSize(dtype)
	if err != nil {
		return err
	}
	for i := 0; i < len(buf)/width; i++ {
		v := readElem(buf, i, width, dtype)
		writeElem(buf, i, width, dtype, v*factor)
	}
	return nil
}

func readElem(b []byte, i, width int, dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.F32:
		bits := binary.LittleEndian.Uint32(b[i*width:])
		return float64(math.Float32frombits(bits))
	case dtypes.F16:
		bits := uint16(b[i*width]) | uint16(b[i*width+1])<<8
		return float64(f16ToF32(bits))
	}
	return 0
}

func writeElem(b []byte, i, width int, dtype dtypes.DType, v float64) {
	switch dtype {
	case dtypes.F32:
		binary.LittleEndian.PutUint32(b[i*width:], math.Float32bits(float32(v)))
	case dtypes.F16:
		bits := f32ToF16(float32(v))
		b[i*width] = byte(bits)
		b[i*width+1] = byte(bits >> 8)
	}
}

// Transport is a per-rank, per-group handle into a shared Fabric; it
// implements collectives.Transport. GroupTag must be unique per param group
// (but the same across all ranks' Transports for that group) so that two
// groups' collectives -- possibly overlapping in time via implicit prefetch
// -- never rendezvous with each other's payloads.
type Transport struct {
	Fabric   *Fabric
	Rank     int
	GroupTag string

	round int // bumped each call, so repeated collectives on the same group don't collide
}

// New returns a Transport bound to rank within fabric, for the group
// identified by groupTag.
func New(fabric *Fabric, rank int, groupTag string) *Transport {
	return &Transport{Fabric: fabric, Rank: rank, GroupTag: groupTag}
}

func (t *Transport) AllGather(_ context.Context, params []*fsdpparam.FSDPParam, req collectives.AllGatherRequest) (*fsdpparam.AllGatherResult, error) {
	if len(params) == 0 {
		return &fsdpparam.AllGatherResult{}, nil
	}
	var local []byte
	for _, p := range params {
		local = append(local, p.Cell.Shard.Tensor.Data...)
	}
	req.CopyInStream.Run(func() {})
	t.round++
	tag := fmt.Sprintf("ag:%s:%d", t.GroupTag, t.round)
	gathered, err := t.Fabric.allGatherRound(tag, t.Rank, local)
	if err != nil {
		return nil, err
	}
	var result *fsdpparam.AllGatherResult
	req.CommStream.Run(func() {
		result = &fsdpparam.AllGatherResult{Buffer: fsdpparam.TensorView{Data: gathered, DType: req.DType.String(), Device: req.Device}}
	})
	return result, nil
}

func (t *Transport) AllGatherCopyOut(result *fsdpparam.AllGatherResult, params []*fsdpparam.FSDPParam, _ collectives.CopyOutRequest) error {
	offset := 0
	for _, p := range params {
		n := len(p.Cell.Shard.Tensor.Data) * t.Fabric.worldSize
		if offset+n > len(result.Buffer.Data) {
			return errors.New("simtransport: all-gather buffer too small for copy-out")
		}
		view := &fsdpparam.UnshardedView{Tensor: fsdpparam.TensorView{
			Shape:  p.OrigShape,
			DType:  result.Buffer.DType,
			Device: result.Buffer.Device,
			Data:   result.Buffer.Data[offset : offset+n],
		}}
		p.ToUnsharded(view)
		offset += n
	}
	return nil
}

func (t *Transport) ReduceScatter(_ context.Context, params []*fsdpparam.FSDPParam, grads []fsdpparam.TensorView, req collectives.ReduceScatterRequest) (*accel.Event, error) {
	ev := accel.NewEvent()
	if len(params) == 0 {
		ev.Record()
		return ev, nil
	}
	var err error
	req.Stream.Run(func() {
		var local []byte
		sizes := make([]int, len(grads))
		for i, g := range grads {
			sizes[i] = len(g.Data)
			local = append(local, g.Data...)
		}
		if scaleErr := scaleBuffer(local, req.InputDType, 1/req.PreFactor); scaleErr != nil {
			err = scaleErr
			return
		}
		t.round++
		tag := fmt.Sprintf("rs:%s:%d", t.GroupTag, t.round)
		var shard []byte
		shard, err = t.Fabric.reduceScatterRound(tag, t.Rank, local, req.InputDType, req.PostFactor)
		if err != nil {
			return
		}
		offset := 0
		for i, p := range params {
			n := sizes[i] / t.Fabric.worldSize
			end := offset + n
			if end > len(shard) {
				end = len(shard)
			}
			p.Cell.ShardedGrad = &fsdpparam.TensorView{
				Shape:  p.Cell.Shard.Tensor.Shape,
				DType:  p.Cell.Shard.Tensor.DType,
				Device: p.Cell.Shard.Tensor.Device,
				Data:   append([]byte(nil), shard[offset:end]...),
			}
			offset = end
		}
		ev.Record()
	})
	return ev, err
}

func f16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

func f32ToF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}
