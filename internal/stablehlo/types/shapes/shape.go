// Package shapes carries a StableHLO tensor shape: a data type plus a list
// of dimensions, with the scalar and tuple special cases operations across
// this module check against.
package shapes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Shape describes a dense tensor: its element type and dimension sizes.
// A scalar has Rank() == 0. The zero Shape is invalid -- use Invalid()
// when an explicit invalid value is needed, or Make for a real one.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make builds a Shape of dtype with the given dimensions. No dimensions
// means a scalar.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	dims := make([]int, len(dimensions))
	copy(dims, dimensions)
	return Shape{DType: dtype, Dimensions: dims}
}

// Invalid returns the canonical invalid Shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok reports whether the shape has a valid data type.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType
}

// IsScalar reports whether the shape has no dimensions.
func (s Shape) IsScalar() bool {
	return s.Ok() && len(s.Dimensions) == 0
}

// IsTuple is always false: this package has no tuple shapes, unlike full
// StableHLO -- tuples are handled as separate multi-output values instead.
func (s Shape) IsTuple() bool {
	return false
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return size
}

// Memory returns the number of bytes Size elements of DType occupy.
func (s Shape) Memory() int64 {
	return int64(s.Size()) * byteWidth(s.DType)
}

// Dim returns the size of the axis-th dimension. Negative axis counts from
// the end, as in Python. Panics if axis is out of [-Rank, Rank) range.
func (s Shape) Dim(axis int) int {
	rank := s.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("shapes.Shape.Dim(%d): out of range for rank %d", axis-rank, rank))
	}
	return s.Dimensions[axis]
}

// Clone returns a deep copy: mutating the result's Dimensions never affects
// the receiver.
func (s Shape) Clone() Shape {
	dims := make([]int, len(s.Dimensions))
	copy(dims, s.Dimensions)
	return Shape{DType: s.DType, Dimensions: dims}
}

// Equal reports whether two shapes have the same data type and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || len(s.Dimensions) != len(other.Dimensions) {
		return false
	}
	for i, d := range s.Dimensions {
		if other.Dimensions[i] != d {
			return false
		}
	}
	return true
}

// Check verifies the shape has the given dtype and dimensions, returning a
// descriptive error otherwise.
func (s Shape) Check(dtype dtypes.DType, dimensions ...int) error {
	if s.DType != dtype {
		return fmt.Errorf("shape %s has dtype %s, want %s", s, s.DType, dtype)
	}
	return s.CheckDims(dimensions...)
}

// CheckDims verifies the shape's dimensions match, without checking DType.
func (s Shape) CheckDims(dimensions ...int) error {
	if len(s.Dimensions) != len(dimensions) {
		return fmt.Errorf("shape %s has rank %d, want rank %d (dims %v)", s, s.Rank(), len(dimensions), dimensions)
	}
	for i, d := range dimensions {
		if s.Dimensions[i] != d {
			return fmt.Errorf("shape %s has dimension[%d]=%d, want %d", s, i, s.Dimensions[i], d)
		}
	}
	return nil
}

// String implements fmt.Stringer, e.g. "float32[4 3 2]" or "float64[]" for
// a scalar.
func (s Shape) String() string {
	return fmt.Sprintf("%s%v", s.DType, s.Dimensions)
}

// ToStableHLO renders the shape the way StableHLO textual IR spells tensor
// types, e.g. "tensor<1x10xf32>" or "tensor<i32>" for a scalar.
func (s Shape) ToStableHLO() string {
	var b strings.Builder
	b.WriteString("tensor<")
	for _, d := range s.Dimensions {
		fmt.Fprintf(&b, "%dx", d)
	}
	b.WriteString(stableHLOElementType(s.DType))
	b.WriteString(">")
	return b.String()
}

func byteWidth(dtype dtypes.DType) int64 {
	switch dtype {
	case dtypes.Bool, dtypes.Int8, dtypes.Uint8:
		return 1
	case dtypes.Float16, dtypes.BFloat16, dtypes.Int16, dtypes.Uint16:
		return 2
	case dtypes.Float32, dtypes.Int32, dtypes.Uint32:
		return 4
	case dtypes.Float64, dtypes.Int64, dtypes.Uint64, dtypes.Complex64:
		return 8
	case dtypes.Complex128:
		return 16
	default:
		return 4
	}
}

func stableHLOElementType(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Bool:
		return "i1"
	case dtypes.Int8:
		return "i8"
	case dtypes.Int16:
		return "i16"
	case dtypes.Int32:
		return "i32"
	case dtypes.Int64:
		return "i64"
	case dtypes.Uint8:
		return "ui8"
	case dtypes.Uint16:
		return "ui16"
	case dtypes.Uint32:
		return "ui32"
	case dtypes.Uint64:
		return "ui64"
	case dtypes.Float16:
		return "f16"
	case dtypes.BFloat16:
		return "bf16"
	case dtypes.Float32:
		return "f32"
	case dtypes.Float64:
		return "f64"
	case dtypes.Complex64:
		return "complex<f32>"
	case dtypes.Complex128:
		return "complex<f64>"
	default:
		return "invalid"
	}
}

// CastAsDType converts a dense Go slice (of any nesting) element-wise to the
// Go type dtype corresponds to, mirroring the element conversion Make-backed
// tensors need when ingesting literals of one numeric kind as another.
func CastAsDType(value any, dtype dtypes.DType) any {
	switch dtype {
	case dtypes.Float32:
		return castLeaves(value, func(f float64) any { return float32(f) })
	case dtypes.Float64:
		return castLeaves(value, func(f float64) any { return f })
	case dtypes.Int32:
		return castLeaves(value, func(f float64) any { return int32(f) })
	case dtypes.Int64:
		return castLeaves(value, func(f float64) any { return int64(f) })
	case dtypes.Complex64:
		return castLeaves(value, func(f float64) any { return complex(float32(f), float32(0)) })
	case dtypes.Complex128:
		return castLeaves(value, func(f float64) any { return complex(f, 0) })
	default:
		return value
	}
}

// castLeaves rebuilds value's slice structure with each numeric leaf passed
// through cast, producing a freshly allocated []T at every nesting level.
func castLeaves(value any, cast func(float64) any) any {
	return castValue(reflect.ValueOf(value), cast).Interface()
}

func castValue(v reflect.Value, cast func(float64) any) reflect.Value {
	if v.Kind() == reflect.Slice {
		n := v.Len()
		if n == 0 {
			return v
		}
		elemOut := castValue(v.Index(0), cast)
		out := reflect.MakeSlice(reflect.SliceOf(elemOut.Type()), n, n)
		out.Index(0).Set(elemOut)
		for i := 1; i < n; i++ {
			out.Index(i).Set(castValue(v.Index(i), cast))
		}
		return out
	}
	return reflect.ValueOf(cast(toFloat64(v)))
}

func toFloat64(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	case reflect.Complex64, reflect.Complex128:
		return real(v.Complex())
	default:
		panic(fmt.Sprintf("shapes.CastAsDType: unsupported leaf kind %s", v.Kind()))
	}
}
