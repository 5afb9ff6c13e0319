// Package tokencount implements the Token Counter (spec §4.2, C2): a cached
// per-model tokenizer used for document and prompt budgets.
//
// No BPE/tiktoken-style dependency appears anywhere in the retrieved example
// corpus (see DESIGN.md), so this falls back to a deterministic
// character-ratio heuristic instead of fabricating a dependency never seen
// in the pack. The heuristic is still cached by model exactly like a real
// tokenizer would be, so callers and tests never need to know the
// difference.
package tokencount

import (
	"sync"
	"unicode"
)

// defaultCharsPerToken approximates the ~4-chars-per-token rule of thumb
// used by most BPE tokenizers for English text.
const defaultCharsPerToken = 4.0

// encoding is a cached per-model counting strategy. Real tokenizer bindings
// (e.g. a cgo BPE library) would hold native resources here; Clear releases
// them. The heuristic encoding holds none, but still participates in the
// same cache/Clear contract so swapping in a real backend later is a
// same-shape change.
type encoding struct {
	charsPerToken float64
}

func (e *encoding) count(text string) int {
	if text == "" {
		return 0
	}
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	tokens := float64(n) / e.charsPerToken
	if tokens < 1 && n > 0 {
		return 1
	}
	return int(tokens + 0.5)
}

// modelEncodings maps known model name prefixes to a tuned ratio. Unknown
// models fall back to the default encoding.
var modelEncodings = map[string]float64{
	"gpt-4":  4.0,
	"gpt-3.5": 4.0,
	"claude": 3.6,
	"gemini": 4.0,
}

// Counter is the process-wide C2 singleton, re-expressed per §9 as an
// explicit object.
type Counter struct {
	mu    sync.Mutex
	cache map[string]*encoding
}

func New() *Counter {
	return &Counter{cache: make(map[string]*encoding)}
}

func (c *Counter) encodingFor(model string) *encoding {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.cache[model]; ok {
		return enc
	}

	ratio := defaultCharsPerToken
	for prefix, r := range modelEncodings {
		if hasPrefixFold(model, prefix) {
			ratio = r
			break
		}
	}
	enc := &encoding{charsPerToken: ratio}
	c.cache[model] = enc
	return enc
}

// Count returns the estimated token count of text under model's encoding.
func (c *Counter) Count(model, text string) int {
	return c.encodingFor(model).count(text)
}

// Clear releases cached encoders. A no-op for the heuristic backend, kept
// for parity with a native-resource-backed tokenizer.
func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*encoding)
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
