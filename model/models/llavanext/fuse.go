package llavanext

import (
	"fmt"

	"github.com/anyres/anyres/ml"
	"github.com/anyres/anyres/model/input"
)

// BoundaryPolicy decides what happens to the label and loss-mask value
// sitting on a media sentinel once the sentinel is expanded.
type BoundaryPolicy int

const (
	// BoundaryIgnore gives every inserted media position the ignore
	// label and a zero loss mask.
	BoundaryIgnore BoundaryPolicy = iota

	// BoundaryInherit lets the first inserted position inherit the
	// sentinel's label and loss-mask value.
	BoundaryInherit
)

// AlignmentError reports a sample whose media sentinel count disagrees
// with the media segments assigned to it. Sample is -1 when segments
// were left over after the last sample.
type AlignmentError struct {
	Sample    int
	Sentinels int
	Segments  int
}

func (e *AlignmentError) Error() string {
	if e.Sample < 0 {
		return fmt.Sprintf("%d media sentinels consumed but %d media segments were supplied", e.Sentinels, e.Segments)
	}

	return fmt.Sprintf("sample %d has %d media sentinels but only %d media segments remain", e.Sample, e.Sentinels, e.Segments)
}

type MergeOptions struct {
	MediaToken  int32
	IgnoreIndex int32
	Boundary    BoundaryPolicy
}

// Fused is one batch after media embeddings were spliced into the text
// stream. Every companion slice shares the padded length of Embeddings.
type Fused struct {
	// Embeddings has shape (hidden, maxLen, batch).
	Embeddings ml.Tensor

	Tokens        [][]int32
	Positions     [][]int32
	AttentionMask [][]int32
	Labels        [][]int32
	LossMask      [][]float32

	// Lengths are the fused lengths before padding.
	Lengths []int

	// MediaSlots counts the media embedding slots fused into each
	// sample, recorded into the inference cache.
	MediaSlots []int
}

// Merge splices packed media sequences into each sample's embedding
// stream at its media sentinel positions. Sentinels consume segments
// strictly in order, continuing across batch elements; every other
// position copies its text embedding unchanged. Companion arrays are
// expanded position-for-position and the batch is right-padded to its
// max fused length.
//
// media[i] has shape (hidden, featureLens[i]); text[b] has shape
// (hidden, textLen) matching batch.Tokens[b].
func Merge(ctx ml.Context, media []ml.Tensor, featureLens []int, text []ml.Tensor, batch input.Batch, opts MergeOptions) (*Fused, error) {
	nbatch := len(batch.Tokens)
	if len(text) != nbatch {
		return nil, fmt.Errorf("got %d text embeddings for %d samples", len(text), nbatch)
	}

	// first pass: fused length table and segment assignment
	lengths := make([]int, nbatch)
	mediaSlots := make([]int, nbatch)
	starts := make([]int, nbatch)

	next := 0
	for b, toks := range batch.Tokens {
		starts[b] = next

		for _, tok := range toks {
			if tok != opts.MediaToken {
				lengths[b]++
				continue
			}

			if next >= len(featureLens) {
				sentinels := 0
				for _, t := range toks {
					if t == opts.MediaToken {
						sentinels++
					}
				}
				return nil, &AlignmentError{Sample: b, Sentinels: sentinels, Segments: len(featureLens) - starts[b]}
			}

			lengths[b] += featureLens[next]
			mediaSlots[b] += featureLens[next]
			next++
		}
	}

	if next != len(featureLens) {
		return nil, &AlignmentError{Sample: -1, Sentinels: next, Segments: len(featureLens)}
	}

	var maxLen int
	for _, l := range lengths {
		maxLen = max(maxLen, l)
	}

	hidden := text[0].Dim(0)
	out := &Fused{
		Embeddings:    ctx.Zeros(ml.DTypeF32, hidden, maxLen, nbatch),
		Tokens:        make([][]int32, nbatch),
		Positions:     make([][]int32, nbatch),
		AttentionMask: make([][]int32, nbatch),
		Lengths:       lengths,
		MediaSlots:    mediaSlots,
	}
	if batch.Labels != nil {
		out.Labels = make([][]int32, nbatch)
	}
	if batch.LossMask != nil {
		out.LossMask = make([][]float32, nbatch)
	}

	// second pass: copy and substitute
	for b, toks := range batch.Tokens {
		if text[b].Dim(1) != len(toks) {
			return nil, fmt.Errorf("sample %d has %d text embeddings for %d tokens", b, text[b].Dim(1), len(toks))
		}

		tokens := make([]int32, 0, maxLen)
		positions := make([]int32, 0, maxLen)
		mask := make([]int32, 0, maxLen)
		var labels []int32
		var lossMask []float32
		if batch.Labels != nil {
			labels = make([]int32, 0, maxLen)
		}
		if batch.LossMask != nil {
			lossMask = make([]float32, 0, maxLen)
		}

		attended := func(j int) int32 {
			if batch.AttentionMask == nil {
				return 1
			}
			return batch.AttentionMask[b][j]
		}

		seg := starts[b]
		cursor := 0
		for j, tok := range toks {
			if tok != opts.MediaToken {
				col := text[b].View(ctx, text[b].Stride(1)*j, hidden, 1)
				col.Copy(ctx, out.Embeddings.View(ctx, out.Embeddings.Stride(2)*b+out.Embeddings.Stride(1)*cursor, hidden, 1))

				tokens = append(tokens, tok)
				positions = append(positions, int32(cursor))
				mask = append(mask, attended(j))
				if labels != nil {
					labels = append(labels, batch.Labels[b][j])
				}
				if lossMask != nil {
					lossMask = append(lossMask, batch.LossMask[b][j])
				}

				cursor++
				continue
			}

			length := featureLens[seg]
			if length > 0 {
				media[seg].Copy(ctx, out.Embeddings.View(ctx, out.Embeddings.Stride(2)*b+out.Embeddings.Stride(1)*cursor, hidden, length))
			}

			for k := 0; k < length; k++ {
				tokens = append(tokens, opts.MediaToken)
				positions = append(positions, int32(cursor+k))
				mask = append(mask, attended(j))

				inherit := k == 0 && opts.Boundary == BoundaryInherit
				if labels != nil {
					if inherit {
						labels = append(labels, batch.Labels[b][j])
					} else {
						labels = append(labels, opts.IgnoreIndex)
					}
				}
				if lossMask != nil {
					if inherit {
						lossMask = append(lossMask, batch.LossMask[b][j])
					} else {
						lossMask = append(lossMask, 0)
					}
				}
			}

			cursor += length
			seg++
		}

		// right pad to the batch max
		lastPos := int32(0)
		if len(positions) > 0 {
			lastPos = positions[len(positions)-1]
		}
		for cursor < maxLen {
			tokens = append(tokens, 0)
			positions = append(positions, lastPos)
			mask = append(mask, 0)
			if labels != nil {
				labels = append(labels, opts.IgnoreIndex)
			}
			if lossMask != nil {
				lossMask = append(lossMask, 0)
			}
			cursor++
		}

		out.Tokens[b] = tokens
		out.Positions[b] = positions
		out.AttentionMask[b] = mask
		if labels != nil {
			out.Labels[b] = labels
		}
		if lossMask != nil {
			out.LossMask[b] = lossMask
		}
	}

	return out, nil
}
