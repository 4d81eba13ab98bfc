package nn

import "github.com/anyres/anyres/ml"

// Embedding maps int32 token ids to rows of Weight, which has shape
// (hidden, vocab).
type Embedding struct {
	Weight ml.Tensor
}

func NewEmbedding(weight ml.Tensor) *Embedding {
	return &Embedding{Weight: weight}
}

func (m *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, ids)
}
