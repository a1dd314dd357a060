// Package tokenizer estimates token counts for the configured completion
// model.
//
// Counting is deterministic and never fails: when the model's BPE encoding
// can be resolved via tiktoken the exact encoder is used; otherwise a
// conservative byte/word heuristic stands in. The heuristic deliberately
// over-counts so that budget pruning errs on the side of shorter prompts.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for one model. It is safe for concurrent
// use; the encoding is resolved lazily on first use.
type Counter struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken // nil when resolution failed
}

// New returns a Counter for the given model name.
func New(model string) *Counter {
	return &Counter{model: model}
}

// Count returns the estimated token count of text under the counter's model.
// It is pure: the same input always yields the same count.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			slog.Debug("tokenizer: no encoding for model, using heuristic",
				"model", c.model, "err", err)
			return
		}
		c.enc = enc
	})

	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// heuristicCount is the fallback estimate: ceil(bytes/4) + word count.
// Both terms grow monotonically under concatenation, so for any a, b:
// heuristicCount(a+b) >= max(heuristicCount(a), heuristicCount(b)).
func heuristicCount(text string) int {
	return (len(text)+3)/4 + len(strings.Fields(text))
}
