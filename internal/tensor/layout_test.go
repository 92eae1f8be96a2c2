package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestLayoutSizes(t *testing.T) {
	tests := []struct {
		name       string
		layout     Layout
		count      int
		byteSize   int
		paddedFeat int
	}{
		{"f32 bfyx 3x3", NewLayout(F32, BFYX, NewShape(1, 1, 3, 3)), 9, 36, 1},
		{"f16 yxfb", NewLayout(F16, YXFB, NewShape(2, 3, 4, 5)), 120, 240, 3},
		{"u8 byxf", NewLayout(U8, BYXF, NewShape(1, 3, 2, 2)), 12, 12, 3},
		{"f32 bfyx_f16 pads features", NewLayout(F32, BFYXF16, NewShape(1, 3, 2, 2)), 12, 16 * 4 * 4, 16},
		{"bf16 bfyx_f16 exact block", NewLayout(BF16, BFYXF16, NewShape(2, 32, 1, 1)), 64, 128, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.layout.Validate(); err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			if got := tt.layout.Count(); got != tt.count {
				t.Errorf("Count() = %d, want %d", got, tt.count)
			}
			if got := tt.layout.ByteSize(); got != tt.byteSize {
				t.Errorf("ByteSize() = %d, want %d", got, tt.byteSize)
			}
			if got := tt.layout.PaddedShape().Feature; got != tt.paddedFeat {
				t.Errorf("PaddedShape().Feature = %d, want %d", got, tt.paddedFeat)
			}
		})
	}
}

func TestLayoutValidate(t *testing.T) {
	if err := NewLayout(F32, BFYX, NewShape(1, 0, 3, 3)).Validate(); err == nil {
		t.Error("expected error for zero feature dimension")
	}
	if err := NewLayout(DataType(42), BFYX, NewShape(1, 1, 1, 1)).Validate(); err == nil {
		t.Error("expected error for unknown data type")
	}
	if err := NewLayout(F32, Format(9), NewShape(1, 1, 1, 1)).Validate(); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLayoutValidate_TooLarge(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{"byte size wraps negative", NewLayout(F16, BFYX, NewShape(1<<31, 1<<31, 1, 1))},
		{"count wraps to zero", NewLayout(U8, BFYX, NewShape(1<<16, 1<<16, 1<<16, 1<<16))},
		{"count fits, bytes do not", NewLayout(F32, BFYX, NewShape(1, 1, 1, math.MaxInt/2))},
		{"feature padding overflows", NewLayout(U8, BFYXF16, NewShape(1, math.MaxInt-3, 1, 1))},
		{"padded bytes overflow", NewLayout(F32, BFYXF16, NewShape(1, 17, 1, math.MaxInt/64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			if !errors.Is(err, ErrTooLarge) {
				t.Fatalf("Validate() = %v, want ErrTooLarge", err)
			}
		})
	}

	// The largest u8 vector still validates.
	if err := NewLayout(U8, BFYX, NewShape(1, 1, 1, math.MaxInt)).Validate(); err != nil {
		t.Errorf("max int u8 vector: %v", err)
	}
	if _, err := ShapeOf(1<<32, 1<<32); !errors.Is(err, ErrTooLarge) {
		t.Errorf("ShapeOf(1<<32, 1<<32) = %v, want ErrTooLarge", err)
	}
}

func TestPhysicalIndexIsInjective(t *testing.T) {
	l := NewLayout(F32, BFYXF16, NewShape(2, 20, 3, 2))
	seen := make(map[int]bool, l.Count())
	for i := 0; i < l.Count(); i++ {
		p := l.PhysicalIndex(i)
		if p < 0 || p >= l.PaddedCount() {
			t.Fatalf("PhysicalIndex(%d) = %d out of range [0,%d)", i, p, l.PaddedCount())
		}
		if seen[p] {
			t.Fatalf("PhysicalIndex(%d) = %d already used", i, p)
		}
		seen[p] = true
	}
}

func TestPhysicalIndexPlainFormats(t *testing.T) {
	for _, f := range []Format{BFYX, YXFB, BYXF, FYXB} {
		l := NewLayout(F32, f, NewShape(2, 3, 2, 2))
		for i := 0; i < l.Count(); i++ {
			if p := l.PhysicalIndex(i); p != i {
				t.Fatalf("%s: PhysicalIndex(%d) = %d", f, i, p)
			}
		}
	}
}

func TestStorageDims(t *testing.T) {
	s := NewShape(1, 2, 3, 4)
	if got := NewLayout(F32, YXFB, s).StorageDims(); got != [4]int{3, 4, 2, 1} {
		t.Errorf("yxfb StorageDims() = %v", got)
	}
	if got := NewLayout(F32, BYXF, s).StorageDims(); got != [4]int{1, 3, 4, 2} {
		t.Errorf("byxf StorageDims() = %v", got)
	}
}

func TestShapeOf(t *testing.T) {
	s, err := ShapeOf(3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if s != NewShape(1, 1, 3, 3) {
		t.Errorf("ShapeOf(3, 3) = %v", s)
	}
	if _, err := ShapeOf(1, 2, 3, 4, 5); err == nil {
		t.Error("expected error for 5 dimensions")
	}
	if _, err := ShapeOf(-1); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestParseNames(t *testing.T) {
	for _, dt := range []DataType{F32, F16, BF16, I32, U8} {
		got, err := ParseDataType(dt.String())
		if err != nil || got != dt {
			t.Errorf("ParseDataType(%q) = %v, %v", dt.String(), got, err)
		}
	}
	for _, f := range []Format{BFYX, YXFB, BYXF, FYXB, BFYXF16} {
		got, err := ParseFormat(f.String())
		if err != nil || got != f {
			t.Errorf("ParseFormat(%q) = %v, %v", f.String(), got, err)
		}
	}
	if _, err := ParseDataType("complex64"); err == nil {
		t.Error("expected error for unknown data type")
	}
}

func TestOffset(t *testing.T) {
	s := NewShape(2, 3, 4, 5)

	bfyx := NewLayout(F32, BFYX, s)
	if got, want := bfyx.Offset(1, 2, 3, 4), ((1*3+2)*4+3)*5+4; got != want {
		t.Errorf("bfyx Offset = %d, want %d", got, want)
	}

	yxfb := NewLayout(F32, YXFB, s)
	if got, want := yxfb.Offset(1, 2, 3, 4), ((3*5+4)*3+2)*2+1; got != want {
		t.Errorf("yxfb Offset = %d, want %d", got, want)
	}

	blocked := NewLayout(F32, BFYXF16, s)
	if got, want := blocked.Offset(1, 2, 3, 4), ((1*1+0)*4*5+3*5+4)*16+2; got != want {
		t.Errorf("bfyx_f16 Offset = %d, want %d", got, want)
	}
}
