// Package kvcache holds per-sequence inference state that persists
// across forward calls.
package kvcache

import "sync"

// MediaCache records, for each sequence, how many media embedding slots
// were fused into the initial prompt. Once a count is recorded the
// sequence is past its prompt and continuation decode steps can skip
// media computation entirely.
type MediaCache struct {
	mu sync.Mutex

	mediaTokens map[int]int32
}

func NewMediaCache() *MediaCache {
	return &MediaCache{mediaTokens: make(map[int]int32)}
}

// HasMedia reports whether a media token count was recorded for seq.
func (c *MediaCache) HasMedia(seq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.mediaTokens[seq]
	return ok
}

// SetMediaTokens records the number of media slots fused into seq's
// prompt. Recording zero still marks the sequence as processed.
func (c *MediaCache) SetMediaTokens(seq int, n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mediaTokens[seq] = n
}

// MediaTokens returns the recorded count, or zero if none was recorded.
// The count offsets cache positions for decode steps past the prompt.
func (c *MediaCache) MediaTokens(seq int) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mediaTokens[seq]
}

// Remove forgets a finished sequence.
func (c *MediaCache) Remove(seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.mediaTokens, seq)
}
