package llavanext

import (
	"log/slog"

	"github.com/anyres/anyres/ml"
	"github.com/anyres/anyres/model"
	"github.com/anyres/anyres/model/input"
	"github.com/anyres/anyres/parallel"
)

// DataStep turns a raw host batch into the device-ready batch for this
// pipeline stage. Per-token keys the stage does not need are nilled out
// rather than transferred: position ids only feed the first stage's
// embedding lookup, labels and the loss mask only matter on the last
// stage. The kept per-token arrays are then sliced for this process's
// context-parallel rank.
func DataStep(ctx ml.Context, rt parallel.Runtime, raw input.Raw) (input.Batch, error) {
	batch := input.Batch{
		Tokens:        raw.Tokens,
		AttentionMask: raw.AttentionMask,
		NumMediaTiles: raw.NumMediaTiles,
		ImageSizes:    raw.ImageSizes,
		Sequences:     raw.Sequences,
	}

	if rt.IsFirstStage() {
		batch.Positions = raw.Positions
	}
	if rt.IsLastStage() {
		batch.Labels = raw.Labels
		batch.LossMask = raw.LossMask
	}

	if len(raw.MediaData) > 0 {
		batch.Media = ctx.Input().FromFloats(raw.MediaData, raw.MediaShape...)
	}

	cp, rank := rt.ContextWorldSize(), rt.ContextRank()
	if cp > 1 {
		var err error
		if batch.Tokens, err = shardRows(batch.Tokens, cp, rank); err != nil {
			return input.Batch{}, err
		}
		if batch.Positions, err = shardRows(batch.Positions, cp, rank); err != nil {
			return input.Batch{}, err
		}
		if batch.AttentionMask, err = shardRows(batch.AttentionMask, cp, rank); err != nil {
			return input.Batch{}, err
		}
		if batch.Labels, err = shardRows(batch.Labels, cp, rank); err != nil {
			return input.Batch{}, err
		}
		if batch.LossMask, err = shardRows(batch.LossMask, cp, rank); err != nil {
			return input.Batch{}, err
		}
	}

	slog.Debug("prepared batch", "samples", len(batch.Tokens), "images", len(batch.ImageSizes),
		"contextParallel", cp, "firstStage", rt.IsFirstStage(), "lastStage", rt.IsLastStage())

	return batch, nil
}

func shardRows[T any](rows [][]T, worldSize, rank int) ([][]T, error) {
	if rows == nil {
		return nil, nil
	}

	out := make([][]T, len(rows))
	for i, row := range rows {
		var err error
		if out[i], err = parallel.ContextShard(row, worldSize, rank); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// ForwardStep validates the prepared batch and dispatches one forward
// call on the model.
func ForwardStep(ctx ml.Context, m model.Model, batch input.Batch) (*input.Output, error) {
	return model.Forward(ctx, m, batch)
}
