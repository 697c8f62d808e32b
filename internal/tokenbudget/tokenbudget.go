// Package tokenbudget provides tiktoken-based token counting and trimming
// for composed prompts, so the Prompt Composer can keep system context
// under a model's context window before it ever reaches the supervisor.
package tokenbudget

import (
	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens for a fixed encoding. All recognized backend
// models are approximated with GPT-4 byte-pair encoding; none of the
// backends this engine drives expose their own public tokenizer.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter builds a Counter. If the tokenizer codec can't be
// constructed, Count falls back to a character-based estimate rather
// than failing the caller — prompt composition must never be fatal
// because of a counting problem.
func NewCounter() *Counter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &Counter{}
	}
	return &Counter{codec: codec}
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// FitsBudget reports whether text is at or under limit tokens.
func (c *Counter) FitsBudget(text string, limit int) bool {
	return c.Count(text) <= limit
}

// TrimToBudget trims sections (in order) to fit within limit tokens,
// dropping whole sections from the tail before ever truncating one —
// a half-sentence of context is worse than a missing section.
func (c *Counter) TrimToBudget(sections []string, sep string, limit int) (string, []int) {
	var kept []string
	var droppedIdx []int
	used := 0
	full := false
	for i, s := range sections {
		tokens := c.Count(s)
		if full || used+tokens > limit {
			full = true
			droppedIdx = append(droppedIdx, i)
			continue
		}
		kept = append(kept, s)
		used += tokens
	}
	return joinNonEmpty(kept, sep), droppedIdx
}

func joinNonEmpty(parts []string, sep string) string {
	var out string
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !first {
			out += sep
		}
		out += p
		first = false
	}
	return out
}
