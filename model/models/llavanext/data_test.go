package llavanext

import (
	"errors"
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anyres/anyres/model/input"
	"github.com/anyres/anyres/parallel"
)

func rawBatch() input.Raw {
	return input.Raw{
		Tokens:        [][]int32{{0, 1, 2, 3, 4, 5, 6, 7}},
		Positions:     [][]int32{{0, 1, 2, 3, 4, 5, 6, 7}},
		AttentionMask: [][]int32{{1, 1, 1, 1, 1, 1, 1, 1}},
		Labels:        [][]int32{{0, 1, 2, 3, 4, 5, 6, 7}},
		LossMask:      [][]float32{{1, 1, 1, 1, 1, 1, 1, 1}},
		ImageSizes:    []image.Point{{X: 4, Y: 4}},
		Sequences:     []int{1},
	}
}

func TestDataStepFirstStage(t *testing.T) {
	ctx := testContext(t)

	batch, err := DataStep(ctx, stageRuntime{rank: 0, world: 2}, rawBatch())
	if err != nil {
		t.Fatal(err)
	}

	if batch.Positions == nil {
		t.Error("first stage dropped position ids")
	}
	if batch.Labels != nil || batch.LossMask != nil {
		t.Error("labels and loss mask should only reach the last stage")
	}
}

func TestDataStepLastStage(t *testing.T) {
	ctx := testContext(t)

	batch, err := DataStep(ctx, stageRuntime{rank: 1, world: 2}, rawBatch())
	if err != nil {
		t.Fatal(err)
	}

	if batch.Positions != nil {
		t.Error("position ids should only reach the first stage")
	}
	if batch.Labels == nil || batch.LossMask == nil {
		t.Error("last stage dropped labels or loss mask")
	}
}

func TestDataStepMediaTransfer(t *testing.T) {
	ctx := testContext(t)

	raw := rawBatch()
	raw.MediaData = make([]float32, 2*2*3*4)
	raw.MediaShape = []int{2, 2, 3, 4}
	raw.NumMediaTiles = []int{4}

	batch, err := DataStep(ctx, stageRuntime{}, raw)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{2, 2, 3, 4}, batch.Media.Shape()); diff != "" {
		t.Errorf("media shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4}, batch.NumMediaTiles); diff != "" {
		t.Errorf("tile counts mismatch (-want +got):\n%s", diff)
	}
}

func TestDataStepNoMedia(t *testing.T) {
	ctx := testContext(t)

	raw := rawBatch()
	raw.ImageSizes = nil

	batch, err := DataStep(ctx, stageRuntime{}, raw)
	if err != nil {
		t.Fatal(err)
	}

	if batch.Media != nil {
		t.Error("expected nil media tensor for a text-only batch")
	}
}

func TestDataStepContextShard(t *testing.T) {
	ctx := testContext(t)

	batch, err := DataStep(ctx, stageRuntime{cp: 2}, rawBatch())
	if err != nil {
		t.Fatal(err)
	}

	// rank 0 of 2 owns chunks 0 and 3 of 4
	if diff := cmp.Diff([][]int32{{0, 1, 6, 7}}, batch.Tokens); diff != "" {
		t.Errorf("sharded tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]int32{{0, 1, 6, 7}}, batch.Positions); diff != "" {
		t.Errorf("sharded positions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]float32{{1, 1, 1, 1}}, batch.LossMask); diff != "" {
		t.Errorf("sharded loss mask mismatch (-want +got):\n%s", diff)
	}
}

func TestDataStepUnevenShard(t *testing.T) {
	ctx := testContext(t)

	raw := rawBatch()
	raw.Tokens = [][]int32{{0, 1, 2, 3, 4, 5}}
	raw.Positions = nil
	raw.AttentionMask = nil
	raw.Labels = nil
	raw.LossMask = nil

	_, err := DataStep(ctx, stageRuntime{cp: 2}, raw)

	var uneven *parallel.ErrUnevenSequence
	if !errors.As(err, &uneven) {
		t.Fatalf("err = %v, want ErrUnevenSequence", err)
	}
}
