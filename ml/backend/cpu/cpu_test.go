package cpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anyres/anyres/ml"
)

func TestConcat(t *testing.T) {
	ctx := New().NewContext()

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	b := ctx.FromFloats([]float32{5, 6}, 2, 1)

	got := a.Concat(ctx, b, 1)
	if diff := cmp.Diff([]int{2, 3}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, got.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestViewCopy(t *testing.T) {
	ctx := New().NewContext()

	dst := ctx.Zeros(ml.DTypeF32, 2, 3)
	src := ctx.FromFloats([]float32{7, 8}, 2, 1)

	src.Copy(ctx, dst.View(ctx, dst.Stride(1)*2, 2, 1))

	if diff := cmp.Diff([]float32{0, 0, 0, 0, 7, 8}, dst.Floats()); diff != "" {
		t.Errorf("copy into view (-want +got):\n%s", diff)
	}
}

func TestPad(t *testing.T) {
	ctx := New().NewContext()

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	got := a.Pad(ctx, 0, 2)

	if diff := cmp.Diff([]float32{1, 2, 3, 4, 0, 0, 0, 0}, got.Floats()); diff != "" {
		t.Errorf("pad (-want +got):\n%s", diff)
	}
}

func TestMulmat(t *testing.T) {
	ctx := New().NewContext()

	// weight (k=2, m=3) x input (k=2, n=2) -> (3, 2)
	w := ctx.FromFloats([]float32{
		1, 0,
		0, 1,
		1, 1,
	}, 2, 3)
	x := ctx.FromFloats([]float32{
		1, 2,
		3, 4,
	}, 2, 2)

	got := w.Mulmat(ctx, x)
	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 3, 3, 4, 7}, got.Floats()); diff != "" {
		t.Errorf("mulmat (-want +got):\n%s", diff)
	}
}

func TestRows(t *testing.T) {
	ctx := New().NewContext()

	table := ctx.FromFloats([]float32{
		10, 11,
		20, 21,
		30, 31,
	}, 2, 3)
	idx := ctx.FromInts([]int32{2, 0}, 2)

	got := table.Rows(ctx, idx)
	if diff := cmp.Diff([]float32{30, 31, 10, 11}, got.Floats()); diff != "" {
		t.Errorf("rows (-want +got):\n%s", diff)
	}
}

func TestRepeat(t *testing.T) {
	ctx := New().NewContext()

	a := ctx.FromFloats([]float32{1, 2}, 2, 1)
	got := a.Repeat(ctx, 1, 3)

	if diff := cmp.Diff([]int{2, 3}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 2, 1, 2, 1, 2}, got.Floats()); diff != "" {
		t.Errorf("repeat (-want +got):\n%s", diff)
	}
}

func TestPermute(t *testing.T) {
	ctx := New().NewContext()

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	got := a.Permute(ctx, 1, 0)

	if diff := cmp.Diff([]int{2, 3}, got.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, got.Floats()); diff != "" {
		t.Errorf("permute (-want +got):\n%s", diff)
	}
}

func TestHalfPrecisionBytes(t *testing.T) {
	ctx := New().NewContext()

	a := ctx.FromFloats([]float32{1.5, -2.25}, 2).(*Tensor)
	a.dtype = ml.DTypeF16

	bts := a.Bytes()
	if len(bts) != 4 {
		t.Fatalf("f16 bytes = %d, want 4", len(bts))
	}
}

func TestIntsRoundTrip(t *testing.T) {
	ctx := New().NewContext()

	in := []int32{0, -100, 32000, 151655}
	got := ctx.FromInts(in, len(in)).Ints()

	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("ints round trip (-want +got):\n%s", diff)
	}
}
