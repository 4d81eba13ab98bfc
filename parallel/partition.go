package parallel

import "fmt"

// ErrUnevenSequence is returned when a sequence cannot be divided into
// 2*worldSize equal chunks.
type ErrUnevenSequence struct {
	Len, WorldSize int
}

func (e *ErrUnevenSequence) Error() string {
	return fmt.Sprintf("sequence length %d not divisible into %d context-parallel chunks", e.Len, 2*e.WorldSize)
}

// ContextShard returns rank's slice of s under the load-balanced
// context-parallel split: the sequence is divided into 2*worldSize
// chunks and rank r owns chunk r and chunk 2*worldSize-1-r, pairing an
// early chunk with a late one so causal-attention work stays even
// across ranks.
func ContextShard[T any](s []T, worldSize, rank int) ([]T, error) {
	if worldSize <= 1 {
		return s, nil
	}

	if len(s)%(2*worldSize) != 0 {
		return nil, &ErrUnevenSequence{Len: len(s), WorldSize: worldSize}
	}

	chunk := len(s) / (2 * worldSize)
	lo, hi := rank, 2*worldSize-1-rank

	out := make([]T, 0, 2*chunk)
	out = append(out, s[lo*chunk:(lo+1)*chunk]...)
	out = append(out, s[hi*chunk:(hi+1)*chunk]...)
	return out, nil
}
