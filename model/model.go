package model

import (
	"errors"
	"fmt"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/anyres/anyres/fs"
	"github.com/anyres/anyres/kvcache"
	"github.com/anyres/anyres/ml"
	_ "github.com/anyres/anyres/ml/backend/cpu"
	"github.com/anyres/anyres/model/input"
	"github.com/anyres/anyres/parallel"
)

var ErrNoVisionModel = errors.New("this model is missing data required for image input")

// Model implements a specific model architecture, defining the forward
// pass and any model-specific configuration.
type Model interface {
	Forward(ml.Context, input.Batch) (*input.Output, error)

	Backend() ml.Backend
}

// VisionEncoder maps a batch of image tiles to per-tile embedding
// grids, shape (visionHidden, tileSeqLen, totalTiles). Implementations
// are external to this module.
type VisionEncoder interface {
	Forward(ctx ml.Context, media ml.Tensor, opts EncodeOptions) ml.Tensor
}

// EncodeOptions selects how vision features are read out.
type EncodeOptions struct {
	// FeatureLayer selects the hidden layer to return; negative counts
	// from the end.
	FeatureLayer int

	// DropClassTokens removes leading class tokens from each tile's
	// embedding grid.
	DropClassTokens bool
}

// VisionProjector maps vision-hidden embeddings to the language hidden
// size.
type VisionProjector interface {
	Forward(ctx ml.Context, t ml.Tensor) ml.Tensor
}

// TextDecoder is the decoder-only language model consumed as a black
// box: an embedding lookup plus a decode over precomputed inputs.
type TextDecoder interface {
	// Embed looks up embeddings for token ids, shape (hidden, seqLen).
	// positions may be nil.
	Embed(ctx ml.Context, ids, positions ml.Tensor) ml.Tensor

	// Decode runs the decoder over embeddings (hidden, seqLen, batch).
	// It returns the loss when labels is non-nil and logits otherwise.
	Decode(ctx ml.Context, embeds, attentionMask, labels ml.Tensor) (ml.Tensor, error)
}

// Externals bundles the collaborators a model is wired to at
// construction: the parallelism runtime and the black-box submodules.
type Externals struct {
	Runtime   parallel.Runtime
	Encoder   VisionEncoder
	Projector VisionProjector
	Decoder   TextDecoder
	Cache     *kvcache.MediaCache
}

// Base implements the common fields and methods for all models.
type Base struct {
	b     ml.Backend
	cache *kvcache.MediaCache
}

func NewBase(b ml.Backend, cache *kvcache.MediaCache) Base {
	return Base{b: b, cache: cache}
}

// Backend returns the underlying backend that will run the model.
func (m *Base) Backend() ml.Backend {
	return m.b
}

// Cache returns the inference cache, which may be nil during training.
func (m *Base) Cache() *kvcache.MediaCache {
	return m.cache
}

var models = make(map[string]func(fs.Config, Base, Externals) (Model, error))

// Register registers a model constructor for the given architecture.
func Register(name string, f func(fs.Config, Base, Externals) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a model instance for the architecture named in the
// configuration, backed by the configured backend.
func New(c fs.Config, ext Externals) (Model, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	b, err := ml.NewBackend(c.String("backend", "cpu"))
	if err != nil {
		return nil, err
	}

	if ext.Runtime == nil {
		ext.Runtime = parallel.Local{}
	}

	return f(c, NewBase(b, ext.Cache), ext)
}

// Forward validates a batch and runs one forward call.
func Forward(ctx ml.Context, m Model, batch input.Batch) (*input.Output, error) {
	if len(batch.Tokens) < 1 {
		return nil, errors.New("batch size cannot be less than 1")
	}

	for i, toks := range batch.Tokens {
		if batch.Positions != nil && len(batch.Positions[i]) != len(toks) {
			return nil, fmt.Errorf("length of positions (%v) must match length of tokens (%v) in sample %d", len(batch.Positions[i]), len(toks), i)
		}
		if batch.AttentionMask != nil && len(batch.AttentionMask[i]) != len(toks) {
			return nil, fmt.Errorf("length of attention mask (%v) must match length of tokens (%v) in sample %d", len(batch.AttentionMask[i]), len(toks), i)
		}
	}

	out, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	if out.Result != nil {
		ctx.Forward(out.Result).Compute(out.Result)
	}

	return out, nil
}
