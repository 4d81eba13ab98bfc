package llavanext

import (
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anyres/anyres/ml"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	b, err := ml.NewBackend("cpu")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	return b.NewContext()
}

// tileBatch fills tile i with the value i+1 so packed positions can be
// traced back to their source tile.
func tileBatch(ctx ml.Context, hidden, tileSeq, tiles int) ml.Tensor {
	data := make([]float32, hidden*tileSeq*tiles)
	for i := range data {
		data[i] = float32(i/(hidden*tileSeq) + 1)
	}

	return ctx.FromFloats(data, hidden, tileSeq, tiles)
}

func separatorBlock(ctx ml.Context, hidden, slots int) ml.Tensor {
	data := make([]float32, hidden*slots)
	for i := range data {
		data[i] = -1
	}

	return ctx.FromFloats(data, hidden, slots)
}

func TestPackGrid(t *testing.T) {
	ctx := testContext(t)

	const hidden, tileSeq = 8, 4
	tiles := tileBatch(ctx, hidden, tileSeq, 6)
	sep := separatorBlock(ctx, hidden, 1)

	packed, lens, err := Pack(ctx, []ml.Tensor{tiles}, []image.Point{{X: 3, Y: 2}}, sep)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2*3*tileSeq + 1}, lens); diff != "" {
		t.Errorf("feature lengths mismatch (-want +got):\n%s", diff)
	}

	if got := packed[0].Dim(1); got != 25 {
		t.Fatalf("packed length = %d, want 25", got)
	}

	// column c holds the source tile value; the separator sits between
	// the two rows
	want := make([]float32, 0, 25)
	for tile := 1; tile <= 3; tile++ {
		for i := 0; i < tileSeq; i++ {
			want = append(want, float32(tile))
		}
	}
	want = append(want, -1)
	for tile := 4; tile <= 6; tile++ {
		for i := 0; i < tileSeq; i++ {
			want = append(want, float32(tile))
		}
	}

	got := make([]float32, 0, 25)
	for c := 0; c < 25; c++ {
		got = append(got, packed[0].Floats()[c*hidden])
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("packed layout mismatch (-want +got):\n%s", diff)
	}
}

func TestPackZeroTiles(t *testing.T) {
	ctx := testContext(t)

	tiles := ctx.Zeros(ml.DTypeF32, 8, 4, 0)
	sep := separatorBlock(ctx, 8, 1)

	packed, lens, err := Pack(ctx, []ml.Tensor{tiles}, []image.Point{{}}, sep)
	if err != nil {
		t.Fatal(err)
	}

	if lens[0] != 0 {
		t.Errorf("feature length = %d, want 0", lens[0])
	}
	if packed[0].Dim(1) != 0 {
		t.Errorf("packed length = %d, want 0", packed[0].Dim(1))
	}
}

func TestPackShapeMismatch(t *testing.T) {
	ctx := testContext(t)

	tiles := tileBatch(ctx, 8, 4, 2)
	sep := separatorBlock(ctx, 8, 1)

	_, _, err := Pack(ctx, []ml.Tensor{tiles}, []image.Point{{X: 3, Y: 2}}, sep)

	var mismatch *ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want ShapeMismatchError", err)
	}

	if mismatch.Tiles != 2 || mismatch.Rows != 2 || mismatch.Cols != 3 {
		t.Errorf("unexpected diagnostics: %+v", mismatch)
	}
}

func TestPackDeterministic(t *testing.T) {
	ctx := testContext(t)

	tiles := tileBatch(ctx, 4, 2, 4)
	sep := separatorBlock(ctx, 4, 2)
	grids := []image.Point{{X: 2, Y: 2}}

	first, _, err := Pack(ctx, []ml.Tensor{tiles}, grids, sep)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := Pack(ctx, []ml.Tensor{tiles}, grids, sep)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(first[0].Floats(), second[0].Floats()); diff != "" {
		t.Errorf("repeated pack differs (-first +second):\n%s", diff)
	}
}

func TestPackLengthMismatch(t *testing.T) {
	ctx := testContext(t)

	tiles := tileBatch(ctx, 4, 2, 1)
	sep := separatorBlock(ctx, 4, 1)

	if _, _, err := Pack(ctx, []ml.Tensor{tiles}, nil, sep); err == nil {
		t.Fatal("expected error for mismatched tiles and sizes")
	}
}
