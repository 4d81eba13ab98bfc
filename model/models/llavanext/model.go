package llavanext

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/anyres/anyres/fs"
	"github.com/anyres/anyres/logutil"
	"github.com/anyres/anyres/ml"
	"github.com/anyres/anyres/model"
	"github.com/anyres/anyres/model/input"
	"github.com/anyres/anyres/parallel"
)

const (
	// DefaultMediaTokenIndex is the reserved token id marking where media
	// embeddings are spliced into the text stream.
	DefaultMediaTokenIndex = -200

	// DefaultIgnoreIndex is the label value excluded from the loss.
	DefaultIgnoreIndex = -100
)

// Stage is the role this process plays in the pipeline, resolved once at
// construction.
type Stage int

const (
	StageEncoderDecoder Stage = iota
	StageEncoder
	StageDecoder
	StageNone
)

func (s Stage) String() string {
	switch s {
	case StageEncoderDecoder:
		return "encoder+decoder"
	case StageEncoder:
		return "encoder"
	case StageDecoder:
		return "decoder"
	default:
		return "none"
	}
}

func resolveStage(rt parallel.Runtime) Stage {
	hasEncoder := rt.IsFirstStage()
	hasDecoder := rt.PipelineRank() >= rt.EncoderPipelineSize()

	switch {
	case hasEncoder && hasDecoder:
		return StageEncoderDecoder
	case hasEncoder:
		return StageEncoder
	case hasDecoder:
		return StageDecoder
	default:
		return StageNone
	}
}

type Options struct {
	hiddenSize      int
	mediaTokenIndex int32
	ignoreIndex     int32
	separatorSlots  int
	featureLayer    int
	dropClassTokens bool
	boundary        BoundaryPolicy
}

type Model struct {
	model.Base
	ImageProcessor

	// ImageNewline is the learned row-separator embedding, created once
	// at construction and shared across forward calls.
	ImageNewline ml.Tensor

	encoder   model.VisionEncoder
	projector model.VisionProjector
	decoder   model.TextDecoder

	rt      parallel.Runtime
	stage   Stage
	forward func(ml.Context, input.Batch) (*input.Output, error)

	*Options
}

func New(c fs.Config, base model.Base, ext model.Externals) (model.Model, error) {
	if ext.Runtime == nil {
		ext.Runtime = parallel.Local{}
	}

	stage := resolveStage(ext.Runtime)
	if stage == StageEncoder || stage == StageEncoderDecoder {
		if ext.Encoder == nil || ext.Projector == nil {
			return nil, model.ErrNoVisionModel
		}
	}
	if (stage == StageDecoder || stage == StageEncoderDecoder) && ext.Decoder == nil {
		return nil, errors.New("pipeline stage requires a text decoder")
	}

	opts := &Options{
		hiddenSize:      int(c.Uint("embedding_length", 4096)),
		mediaTokenIndex: int32(c.Int("media_token_index", DefaultMediaTokenIndex)),
		ignoreIndex:     int32(c.Int("ignore_index", DefaultIgnoreIndex)),
		separatorSlots:  int(c.Uint("vision.separator_slots", 1)),
		featureLayer:    int(c.Int("vision.feature_layer", -2)),
		dropClassTokens: c.Bool("vision.drop_class_tokens", true),
	}

	switch policy := c.String("fusion.boundary_policy", "ignore"); policy {
	case "ignore":
		opts.boundary = BoundaryIgnore
	case "inherit":
		opts.boundary = BoundaryInherit
	default:
		return nil, fmt.Errorf("unknown boundary policy %q", policy)
	}

	dist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(opts.hiddenSize))}
	separator := make([]float32, opts.hiddenSize)
	for i := range separator {
		separator[i] = float32(dist.Rand())
	}

	m := &Model{
		Base:           base,
		ImageProcessor: NewImageProcessor(c),
		ImageNewline:   base.Backend().NewContext().FromFloats(separator, opts.hiddenSize),
		encoder:        ext.Encoder,
		projector:      ext.Projector,
		decoder:        ext.Decoder,
		rt:             ext.Runtime,
		stage:          stage,
		Options:        opts,
	}

	switch stage {
	case StageEncoderDecoder:
		m.forward = m.forwardEncodeDecode
	case StageEncoder:
		m.forward = m.forwardEncode
	case StageDecoder:
		m.forward = m.forwardDecode
	default:
		m.forward = m.forwardNone
	}

	slog.Debug("resolved pipeline stage", "stage", stage,
		"rank", ext.Runtime.PipelineRank(), "world", ext.Runtime.PipelineWorldSize())

	return m, nil
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (*input.Output, error) {
	return m.forward(ctx, batch)
}

func (m *Model) forwardEncodeDecode(ctx ml.Context, batch input.Batch) (*input.Output, error) {
	if m.promptCached(batch) {
		return m.decodeTextOnly(ctx, batch)
	}

	return m.fuseAndDecode(ctx, batch, m.encodeMedia(ctx, batch))
}

// forwardEncode hands the projected media embeddings to the next
// pipeline stage without fusing or decoding.
func (m *Model) forwardEncode(ctx ml.Context, batch input.Batch) (*input.Output, error) {
	return &input.Output{Result: m.encodeMedia(ctx, batch)}, nil
}

// forwardDecode consumes media embeddings precomputed by an upstream
// encoder stage.
func (m *Model) forwardDecode(ctx ml.Context, batch input.Batch) (*input.Output, error) {
	if m.promptCached(batch) {
		return m.decodeTextOnly(ctx, batch)
	}

	media := batch.EncoderOutput
	if media == nil {
		media = ctx.Zeros(ml.DTypeF32, m.hiddenSize, m.TileSeqLen(), 0)
	}

	return m.fuseAndDecode(ctx, batch, media)
}

func (m *Model) forwardNone(ml.Context, input.Batch) (*input.Output, error) {
	return &input.Output{}, nil
}

// promptCached reports whether every sequence in the batch already fused
// its media during a previous call, so this is a continuation decode
// step and media computation can be skipped entirely.
func (m *Model) promptCached(batch input.Batch) bool {
	cache := m.Cache()
	if cache == nil || len(batch.Sequences) == 0 {
		return false
	}

	for _, seq := range batch.Sequences {
		if !cache.HasMedia(seq) {
			return false
		}
	}

	return true
}

// encodeMedia runs the vision encoder and projection over the batch
// tiles, returning (hidden, tileSeqLen, totalTiles). A micro-batch with
// no media produces a zero-size embedding.
func (m *Model) encodeMedia(ctx ml.Context, batch input.Batch) ml.Tensor {
	if batch.Media == nil || batch.Media.Dim(3) == 0 {
		return ctx.Zeros(ml.DTypeF32, m.hiddenSize, m.TileSeqLen(), 0)
	}

	enc := m.encoder.Forward(ctx, batch.Media, model.EncodeOptions{
		FeatureLayer:    m.featureLayer,
		DropClassTokens: m.dropClassTokens,
	})

	return m.projector.Forward(ctx, enc)
}

// splitMedia slices the flat tile embedding tensor into one view per
// image. A nil tile-count table assumes one tile per image.
func (m *Model) splitMedia(ctx ml.Context, media ml.Tensor, batch input.Batch) []ml.Tensor {
	counts := batch.NumMediaTiles
	if counts == nil {
		counts = make([]int, len(batch.ImageSizes))
		for i := range counts {
			counts[i] = 1
		}
	}

	hidden, tileSeq := media.Dim(0), media.Dim(1)

	perImage := make([]ml.Tensor, len(counts))
	var offset int
	for i, n := range counts {
		perImage[i] = media.View(ctx, media.Stride(2)*offset, hidden, tileSeq, n)
		offset += n
	}

	return perImage
}

func (m *Model) fuseAndDecode(ctx ml.Context, batch input.Batch, media ml.Tensor) (*input.Output, error) {
	grids := make([]image.Point, len(batch.ImageSizes))
	for i, size := range batch.ImageSizes {
		grids[i] = m.Grid(size)
	}

	separator := m.ImageNewline.Reshape(ctx, m.hiddenSize, 1).Repeat(ctx, 1, m.separatorSlots)

	packed, featureLens, err := Pack(ctx, m.splitMedia(ctx, media, batch), grids, separator)
	if err != nil {
		return nil, err
	}

	text := make([]ml.Tensor, len(batch.Tokens))
	for b, toks := range batch.Tokens {
		var positions []int32
		if batch.Positions != nil {
			positions = batch.Positions[b]
		}

		text[b], err = m.embedText(ctx, toks, positions)
		if err != nil {
			return nil, err
		}
	}

	fused, err := Merge(ctx, packed, featureLens, text, batch, MergeOptions{
		MediaToken:  m.mediaTokenIndex,
		IgnoreIndex: m.ignoreIndex,
		Boundary:    m.boundary,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("fused batch", "images", len(packed), "featureLens", featureLens, "lengths", fused.Lengths)
	if slog.Default().Enabled(context.TODO(), logutil.LevelTrace) {
		logutil.Trace("fused embeddings", "values", ml.Dump(fused.Embeddings))
	}

	if cache := m.Cache(); cache != nil {
		for b, seq := range batch.Sequences {
			cache.SetMediaTokens(seq, int32(fused.MediaSlots[b]))
		}
	}

	mask := ctx.Input().FromInts(flatten(fused.AttentionMask), len(fused.AttentionMask[0]), len(fused.AttentionMask))

	var labels ml.Tensor
	if fused.Labels != nil {
		labels = ctx.Input().FromInts(flatten(fused.Labels), len(fused.Labels[0]), len(fused.Labels))
	}

	result, err := m.decoder.Decode(ctx, fused.Embeddings, mask, labels)
	if err != nil {
		return nil, err
	}

	out := &input.Output{Result: result}
	if fused.Labels != nil && fused.LossMask != nil {
		out.LossMask = fused.LossMask
	}

	return out, nil
}

// decodeTextOnly is the continuation decode path: no media computation,
// positions offset by the media slots fused into each sequence's prompt.
func (m *Model) decodeTextOnly(ctx ml.Context, batch input.Batch) (*input.Output, error) {
	var maxLen int
	for _, toks := range batch.Tokens {
		maxLen = max(maxLen, len(toks))
	}

	embeds := ctx.Zeros(ml.DTypeF32, m.hiddenSize, maxLen, len(batch.Tokens))
	mask := make([][]int32, len(batch.Tokens))

	for b, toks := range batch.Tokens {
		positions := make([]int32, len(toks))
		if batch.Positions != nil {
			copy(positions, batch.Positions[b])
		} else {
			for i := range positions {
				positions[i] = int32(i)
			}
		}

		offset := m.Cache().MediaTokens(batch.Sequences[b])
		for i := range positions {
			positions[i] += offset
		}

		emb, err := m.embedText(ctx, toks, positions)
		if err != nil {
			return nil, err
		}
		emb.Copy(ctx, embeds.View(ctx, embeds.Stride(2)*b, m.hiddenSize, len(toks)))

		mask[b] = make([]int32, maxLen)
		for i := range toks {
			if batch.AttentionMask != nil {
				mask[b][i] = batch.AttentionMask[b][i]
			} else {
				mask[b][i] = 1
			}
		}
	}

	result, err := m.decoder.Decode(ctx, embeds, ctx.Input().FromInts(flatten(mask), maxLen, len(mask)), nil)
	if err != nil {
		return nil, err
	}

	return &input.Output{Result: result}, nil
}

// embedText looks up text embeddings for one sample, clamping sentinel
// ids to a valid row. Under sequence parallelism the sequence is padded
// to a multiple of the tensor-parallel width before lookup, gathered
// back to full length, and stripped of its padding.
func (m *Model) embedText(ctx ml.Context, tokens, positions []int32) (ml.Tensor, error) {
	ids := make([]int32, len(tokens))
	for i, tok := range tokens {
		ids[i] = max(tok, 0)
	}

	n := len(ids)
	sp := m.rt.SequenceParallel() && m.rt.TensorWorldSize() > 1

	if sp {
		tp := m.rt.TensorWorldSize()
		padded := (n + tp - 1) / tp * tp

		if positions != nil && padded > n {
			positions = append([]int32(nil), positions...)
		}
		for len(ids) < padded {
			ids = append(ids, 0)
			if positions != nil {
				last := int32(0)
				if len(positions) > 0 {
					last = positions[len(positions)-1]
				}
				positions = append(positions, last)
			}
		}
	}

	var pos ml.Tensor
	if positions != nil {
		pos = ctx.Input().FromInts(positions, len(positions))
	}

	emb := m.decoder.Embed(ctx, ctx.Input().FromInts(ids, len(ids)), pos)

	if sp {
		var err error
		emb, err = m.rt.GatherSequenceParallel(ctx, emb)
		if err != nil {
			return nil, err
		}

		if emb.Dim(1) != n {
			emb = emb.View(ctx, 0, emb.Dim(0), n)
		}
	}

	return emb, nil
}

func flatten(rows [][]int32) []int32 {
	var out []int32
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func init() {
	model.Register("llavanext", New)
}
