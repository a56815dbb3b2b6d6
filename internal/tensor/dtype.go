package tensor

import (
	"errors"
	"fmt"
)

// DType is the runtime element type of a loaded tensor.
type DType int

const (
	Invalid DType = iota
	F32
	F16
	BF16
	I64
	U32
	U8
)

var ErrUnsupportedDType = errors.New("unsupported dtype")

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case I64:
		return "i64"
	case U32:
		return "u32"
	case U8:
		return "u8"
	default:
		return "invalid"
	}
}

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case F32, U32:
		return 4
	case F16, BF16:
		return 2
	case I64:
		return 8
	case U8:
		return 1
	default:
		return 0
	}
}

// FromSafetensors maps an on-disk safetensors dtype to the runtime type.
//
//	F32 -> F32, F16 -> F16, BF16 -> BF16, I64 -> I64
//	I32 -> U32   (bits are reinterpreted; negative values wrap)
//	U8, I8, BOOL -> U8
//
// Every other dtype (F64, I16, U16, F8_*, complex, ...) is rejected.
func FromSafetensors(dtype string) (DType, error) {
	switch dtype {
	case "F32":
		return F32, nil
	case "F16":
		return F16, nil
	case "BF16":
		return BF16, nil
	case "I64":
		return I64, nil
	case "I32":
		return U32, nil
	case "U8", "I8", "BOOL":
		return U8, nil
	default:
		return Invalid, fmt.Errorf("%w %q", ErrUnsupportedDType, dtype)
	}
}
