package nn

import "github.com/anyres/anyres/ml"

// Linear is an affine projection. Weight has shape (in, out); Bias is
// optional.
type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewLinear(weight, bias ml.Tensor) *Linear {
	return &Linear{Weight: weight, Bias: bias}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
