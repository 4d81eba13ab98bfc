// Package input defines the forward-pass I/O types shared between the
// batch-preparation step and model implementations.
package input

import (
	"image"

	"github.com/anyres/anyres/ml"
)

// Raw is the host-side batch as produced by the data loader, before
// stage filtering, device transfer, and context-parallel slicing.
type Raw struct {
	Tokens        [][]int32
	Positions     [][]int32
	AttentionMask [][]int32
	Labels        [][]int32
	LossMask      [][]float32

	// MediaData holds pixel data for every tile in the micro-batch,
	// laid out per MediaShape (tileSize, tileSize, channels, totalTiles).
	MediaData  []float32
	MediaShape []int

	NumMediaTiles []int
	ImageSizes    []image.Point

	Sequences []int
}

// Batch is the device-ready batch for one forward call. Per-token
// fields not required by the current pipeline stage are nil.
type Batch struct {
	// Tokens are text token ids per batch element; the media token
	// index marks where media embeddings are spliced in.
	Tokens [][]int32

	// Positions are text position ids. Only the first pipeline stage
	// needs them; nil elsewhere.
	Positions [][]int32

	AttentionMask [][]int32

	// Labels and LossMask are only carried to the last pipeline stage.
	Labels   [][]int32
	LossMask [][]float32

	// Media holds every tile in the micro-batch,
	// shape (tileSize, tileSize, channels, totalTiles). Nil when the
	// micro-batch has no media.
	Media ml.Tensor

	// NumMediaTiles is the tile count per image, in image order. Nil
	// assumes one tile per image.
	NumMediaTiles []int

	// ImageSizes are original pre-tiling pixel sizes, one per image.
	ImageSizes []image.Point

	// EncoderOutput carries media embeddings handed off by an upstream
	// encoder pipeline stage.
	EncoderOutput ml.Tensor

	// Sequences maps batch elements to inference sequence ids.
	Sequences []int
}

// Output is the result of one forward call.
type Output struct {
	// Result is the loss when labels were supplied, the logits
	// otherwise, or the raw media embeddings on an encoder-only stage.
	Result ml.Tensor

	// LossMask is the batch loss mask expanded to the fused sequence
	// length; nil unless labels and a loss mask were supplied.
	LossMask [][]float32
}
