package provider

import (
	"context"
	"sync"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
)

// DefaultMaxTokens is applied by every adapter when the caller leaves
// Request.MaxTokens at zero.
const DefaultMaxTokens = 4096

// Provider names. Vendor A speaks the Anthropic messages API, Vendors B and C
// speak OpenAI-compatible chat completions.
const (
	Anthropic  = "anthropic"
	OpenAI     = "openai"
	OpenRouter = "openrouter"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	ID       string
	Content  string
	Usage    Usage
	Model    string
	Provider string
}

// Descriptor selects and configures one adapter. It lives for one request and
// is never persisted.
type Descriptor struct {
	Provider string
	APIKey   string
	BaseURL  string
	ModelID  string
}

// Callbacks receive the output of StreamChat. OnTextDelta may fire any number
// of times; exactly one of OnComplete or OnError fires last.
type Callbacks struct {
	OnTextDelta func(text string)
	OnComplete  func(usage Usage)
	OnError     func(err *chaterr.Error)
}

type Adapter interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
	// StreamChat blocks until the stream reaches a terminal callback.
	StreamChat(ctx context.Context, req *Request, cb Callbacks)
	ValidateKey(ctx context.Context) bool
	Name() string
}

// Guard wraps Callbacks so that a terminal callback fires exactly once and
// no delta is delivered after it. Adapters call Finish when they return so a
// missing terminal becomes an error instead of silence.
type Guard struct {
	cb   Callbacks
	mu   sync.Mutex
	done bool
}

func NewGuard(cb Callbacks) *Guard {
	return &Guard{cb: cb}
}

func (g *Guard) Delta(text string) {
	if text == "" {
		return
	}
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()
	if done || g.cb.OnTextDelta == nil {
		return
	}
	g.cb.OnTextDelta(text)
}

func (g *Guard) Complete(usage Usage) {
	if !g.terminate() {
		return
	}
	if g.cb.OnComplete != nil {
		g.cb.OnComplete(usage)
	}
}

func (g *Guard) Fail(err *chaterr.Error) {
	if !g.terminate() {
		return
	}
	if g.cb.OnError != nil {
		g.cb.OnError(err)
	}
}

// Finish reports a network interruption if the stream returned without a
// terminal callback.
func (g *Guard) Finish() {
	g.Fail(chaterr.New(chaterr.KindNetworkInterrupted))
}

func (g *Guard) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

func (g *Guard) terminate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	return true
}

// MaxTokens returns the effective output token limit for a request.
func MaxTokens(req *Request) int {
	if req.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return req.MaxTokens
}

// CanceledOr maps a stream failure to "cancelled" when the caller's context
// is done, since the transport error is then only a symptom.
func CanceledOr(ctx context.Context, err error) *chaterr.Error {
	if ctx.Err() != nil {
		return chaterr.Wrap(chaterr.KindCancelled, ctx.Err())
	}
	return chaterr.From(err)
}
