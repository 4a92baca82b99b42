// Package tokens estimates token counts for rate limiting and for pricing
// streams that ended before the vendor reported usage.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

const (
	fallbackEncoding = "cl100k_base"
	o200kEncoding    = "o200k_base"
	perMessage       = 4
)

var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

type Counter interface {
	Count(model, text string) int
}

// Approx counts four characters per token.
type Approx struct{}

func (Approx) Count(_ string, text string) int {
	return Estimate(text)
}

func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Tiktoken counts with a BPE encoding chosen from the model family. Model
// ids come from callers, so encodings are cached by encoding name, never by
// model id. An encoding that fails to load is remembered and counted with
// Approx from then on.
type Tiktoken struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
	load func(encoding string) (*tiktoken.Tiktoken, error)
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{
		encs: make(map[string]*tiktoken.Tiktoken),
		load: tiktoken.GetEncoding,
	}
}

func (t *Tiktoken) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := t.encoding(EncodingFor(model))
	if enc == nil {
		return Estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) encoding(name string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encs[name]; ok {
		return enc
	}
	enc, err := t.load(name)
	if err != nil {
		enc = nil
	}
	t.encs[name] = enc
	return enc
}

// EncodingFor maps a model id onto one of a fixed set of encodings. Models
// without a known tokenizer, such as Anthropic's, share the fallback.
func EncodingFor(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, prefix := range o200kPrefixes {
		if strings.HasPrefix(m, prefix) {
			return o200kEncoding
		}
	}
	return fallbackEncoding
}

// CountMessages estimates the prompt size of a conversation.
func CountMessages(c Counter, model string, msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessage + c.Count(model, m.Content)
	}
	return total
}
