package tensor

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestFromSafetensors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected DType
		wantErr  bool
	}{
		{"F32", F32, false},
		{"F16", F16, false},
		{"BF16", BF16, false},
		{"I64", I64, false},
		{"I32", U32, false},
		{"U8", U8, false},
		{"I8", U8, false},
		{"BOOL", U8, false},
		{"F64", Invalid, true},
		{"C64", Invalid, true},
		{"I16", Invalid, true},
		{"F8_E4M3", Invalid, true},
		{"f32", Invalid, true},
	}

	for _, tc := range tests {
		got, err := FromSafetensors(tc.input)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedDType) {
				t.Errorf("FromSafetensors(%q): expected ErrUnsupportedDType, got %v", tc.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromSafetensors(%q): unexpected error: %v", tc.input, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("FromSafetensors(%q): expected %s, got %s", tc.input, tc.expected, got)
		}
	}
}

func TestFromRawSizeCheck(t *testing.T) {
	t.Parallel()
	if _, err := FromRaw(F32, []int{2, 3}, make([]byte, 24)); err != nil {
		t.Fatalf("FromRaw: %v", err)
	}
	if _, err := FromRaw(F32, []int{2, 3}, make([]byte, 20)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := FromRaw(Invalid, []int{1}, make([]byte, 1)); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("expected ErrUnsupportedDType, got %v", err)
	}
	if _, err := FromRaw(U8, []int{-1}, nil); err == nil {
		t.Fatal("expected error for negative dim")
	}
	// 2^61 int64 elements is 2^64 bytes, which wraps to 0.
	if _, err := FromRaw(I64, []int{1 << 61}, nil); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for a byte size that overflows, got %v", err)
	}
	if _, err := FromRaw(F32, []int{1 << 40, 1 << 40}, nil); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for an element count that overflows, got %v", err)
	}
	if _, err := Zeros(BF16, []int{1 << 62}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Zeros: expected ErrTooLarge, got %v", err)
	}
	scalar, err := FromRaw(I64, nil, make([]byte, 8))
	if err != nil {
		t.Fatalf("scalar: %v", err)
	}
	if scalar.NumElements() != 1 || scalar.Rows() != 1 {
		t.Fatalf("scalar: elements=%d rows=%d", scalar.NumElements(), scalar.Rows())
	}
}

func TestFloatRoundTrip(t *testing.T) {
	t.Parallel()
	values := []float32{1, -2, 0.5, 3}

	for _, dt := range []DType{F32, F16, BF16} {
		raw, err := EncodeFloat32(dt, values)
		if err != nil {
			t.Fatalf("%s: encode: %v", dt, err)
		}
		tt, err := FromRaw(dt, []int{2, 2}, raw)
		if err != nil {
			t.Fatalf("%s: FromRaw: %v", dt, err)
		}
		got, err := tt.Float32s()
		if err != nil {
			t.Fatalf("%s: Float32s: %v", dt, err)
		}
		for i, v := range values {
			if got[i] != v {
				t.Fatalf("%s: element %d: expected %v, got %v", dt, i, v, got[i])
			}
		}
	}
}

func TestKnownHalfBits(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], 0x3C00) // f16 1.0
	binary.LittleEndian.PutUint16(raw[2:], 0xBC00) // f16 -1.0
	tt, _ := FromRaw(F16, []int{2}, raw)
	got, err := tt.Float32s()
	if err != nil || got[0] != 1 || got[1] != -1 {
		t.Fatalf("f16 decode: %v %v", got, err)
	}

	binary.LittleEndian.PutUint16(raw[0:], 0x3F80) // bf16 1.0
	binary.LittleEndian.PutUint16(raw[2:], 0x4040) // bf16 3.0
	tb, _ := FromRaw(BF16, []int{2}, raw)
	got, err = tb.Float32s()
	if err != nil || got[0] != 1 || got[1] != 3 {
		t.Fatalf("bf16 decode: %v %v", got, err)
	}
}

func TestIntegerViews(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], 7)
	binary.LittleEndian.PutUint32(raw[4:], 0xFFFFFFFF) // I32 -1 reinterpreted
	u, _ := FromRaw(U32, []int{2}, raw)
	vals, err := u.Uint32s()
	if err != nil || vals[0] != 7 || vals[1] != 0xFFFFFFFF {
		t.Fatalf("Uint32s: %v %v", vals, err)
	}
	if _, err := u.Int64s(); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("Int64s on u32: expected ErrUnsupportedDType, got %v", err)
	}
	if _, err := u.Float32s(); !errors.Is(err, ErrUnsupportedDType) {
		t.Fatalf("Float32s on u32: expected ErrUnsupportedDType, got %v", err)
	}

	i64raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(i64raw, uint64(^uint64(0))) // -1
	i, _ := FromRaw(I64, []int{1}, i64raw)
	ivals, err := i.Int64s()
	if err != nil || ivals[0] != -1 {
		t.Fatalf("Int64s: %v %v", ivals, err)
	}

	b, _ := FromRaw(U8, []int{3}, []byte{0, 1, 255})
	bvals, err := b.Uint8s()
	if err != nil || bvals[2] != 255 {
		t.Fatalf("Uint8s: %v %v", bvals, err)
	}
}

func TestRowBytesAndClone(t *testing.T) {
	t.Parallel()
	tt, err := Zeros(F16, []int{4, 3})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}
	if tt.Rows() != 4 || tt.RowBytes() != 6 || tt.Size() != 24 {
		t.Fatalf("rows=%d rowBytes=%d size=%d", tt.Rows(), tt.RowBytes(), tt.Size())
	}
	c := tt.Clone()
	c.Data[0] = 1
	c.Shape[0] = 9
	if tt.Data[0] != 0 || tt.Shape[0] != 4 {
		t.Fatal("Clone must not alias the source")
	}
}
