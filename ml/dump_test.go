package ml_test

import (
	"testing"

	"github.com/anyres/anyres/ml"
	"github.com/anyres/anyres/ml/backend/cpu"
)

func TestDump(t *testing.T) {
	ctx := cpu.New().NewContext()

	got := ml.Dump(ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2), ml.DumpOptions{Items: 2, Precision: 0})
	want := "[[1, 2],\n [3, 4]]"
	if got != want {
		t.Errorf("Dump = %q, want %q", got, want)
	}

	got = ml.Dump(ctx.FromInts([]int32{5, -200, 7}, 3))
	want = "[5, -200, 7]"
	if got != want {
		t.Errorf("Dump = %q, want %q", got, want)
	}
}
