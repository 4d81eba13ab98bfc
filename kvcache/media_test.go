package kvcache

import "testing"

func TestMediaCache(t *testing.T) {
	c := NewMediaCache()

	if c.HasMedia(0) {
		t.Error("HasMedia(0) = true before recording")
	}

	c.SetMediaTokens(0, 25)
	if !c.HasMedia(0) {
		t.Error("HasMedia(0) = false after recording")
	}

	if got := c.MediaTokens(0); got != 25 {
		t.Errorf("MediaTokens(0) = %d, want 25", got)
	}

	// zero-count prompts still count as processed
	c.SetMediaTokens(1, 0)
	if !c.HasMedia(1) {
		t.Error("HasMedia(1) = false after recording zero")
	}

	c.Remove(0)
	if c.HasMedia(0) {
		t.Error("HasMedia(0) = true after Remove")
	}
}
