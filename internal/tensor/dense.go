package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrTooLarge      = errors.New("tensor too large")
)

// Tensor is a dense, row-major, little-endian array on the host.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

// NumElements returns the product of dims. A scalar (empty shape) has one element.
func NumElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("%w: %v", ErrTooLarge, shape)
		}
		n *= d
	}
	return n, nil
}

// byteSize is the payload size of shape in dtype. dtype.Size() must be
// non-zero.
func byteSize(dtype DType, shape []int) (int, error) {
	n, err := NumElements(shape)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt/dtype.Size() {
		return 0, fmt.Errorf("%w: %v %s", ErrTooLarge, shape, dtype)
	}
	return n * dtype.Size(), nil
}

// FromRaw builds a tensor over raw. The byte length must match the shape
// exactly. raw is not copied.
func FromRaw(dtype DType, shape []int, raw []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w %s", ErrUnsupportedDType, dtype)
	}
	want, err := byteSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	if len(raw) != want {
		return nil, fmt.Errorf("%w: %v %s needs %d bytes, got %d", ErrShapeMismatch, shape, dtype, want, len(raw))
	}
	return &Tensor{DType: dtype, Shape: slices.Clone(shape), Data: raw}, nil
}

// Zeros allocates a zeroed tensor.
func Zeros(dtype DType, shape []int) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w %s", ErrUnsupportedDType, dtype)
	}
	n, err := byteSize(dtype, shape)
	if err != nil {
		return nil, err
	}
	return FromRaw(dtype, shape, make([]byte, n))
}

func (t *Tensor) NumElements() int {
	n, _ := NumElements(t.Shape)
	return n
}

// Size is the payload size in bytes.
func (t *Tensor) Size() int { return len(t.Data) }

// Rows is the leading dimension, or 1 for scalars.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowBytes is the byte size of one slice along the leading dimension.
func (t *Tensor) RowBytes() int {
	if t.Rows() == 0 {
		return 0
	}
	return len(t.Data) / t.Rows()
}

// Clone returns a deep copy that owns its data.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{DType: t.DType, Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Float32s decodes floating-point tensors to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	n := t.NumElements()
	switch t.DType {
	case F32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(t.Data), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a float type", ErrUnsupportedDType, t.DType)
	}
}

func (t *Tensor) Uint32s() ([]uint32, error) {
	if t.DType != U32 {
		return nil, fmt.Errorf("%w: want u32, have %s", ErrUnsupportedDType, t.DType)
	}
	out := make([]uint32, t.NumElements())
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(t.Data[i*4:])
	}
	return out, nil
}

func (t *Tensor) Int64s() ([]int64, error) {
	if t.DType != I64 {
		return nil, fmt.Errorf("%w: want i64, have %s", ErrUnsupportedDType, t.DType)
	}
	out := make([]int64, t.NumElements())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out, nil
}

func (t *Tensor) Uint8s() ([]uint8, error) {
	if t.DType != U8 {
		return nil, fmt.Errorf("%w: want u8, have %s", ErrUnsupportedDType, t.DType)
	}
	return slices.Clone(t.Data), nil
}

// EncodeFloat32 packs values into raw bytes of a float dtype. Tests and
// fixture writers use it to produce on-disk payloads.
func EncodeFloat32(dtype DType, values []float32) ([]byte, error) {
	switch dtype {
	case F32:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case F16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case BF16:
		return bfloat16.EncodeFloat32(values), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a float type", ErrUnsupportedDType, dtype)
	}
}
