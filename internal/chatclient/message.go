package chatclient

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation as the user sees it. The
// assistant placeholder is edited in place by ID while it streams.
type Message struct {
	ID              string            `json:"id"`
	Role            string            `json:"role"`
	Content         string            `json:"content"`
	Timestamp       time.Time         `json:"timestamp"`
	IsStreaming     bool              `json:"isStreaming,omitempty"`
	ToolInvocations []json.RawMessage `json:"toolInvocations,omitempty"`
}

// Session is the client-local state that survives restarts.
type Session struct {
	Messages []Message `json:"messages"`
	ModelID  string    `json:"modelId,omitempty"`
}

// Request is the body sent to the gateway's chat endpoint.
type Request struct {
	Messages   []provider.Message  `json:"messages"`
	ModelID    string              `json:"modelId,omitempty"`
	UserName   string              `json:"userName,omitempty"`
	StudyStats *routing.StudyStats `json:"studyStats,omitempty"`
	GroupInfo  json.RawMessage     `json:"groupInfo,omitempty"`
}

// Transport opens a chat stream. The returned body carries wire events and
// is closed by the caller.
type Transport interface {
	Stream(ctx context.Context, req *Request) (io.ReadCloser, error)
}

// Ledger is the caller's coin balance as seen from the client. Charge fails
// with ledger.ErrInsufficientFunds when the balance is too low. Refund
// returns the coins of the charge its receipt names, once.
type Ledger interface {
	Balance(ctx context.Context) (int64, error)
	Charge(ctx context.Context, amount int64, reason string) (ledger.Receipt, error)
	Refund(ctx context.Context, chargeID, reason string) (int64, error)
}

type SessionStore interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateStreaming State = "streaming"
	StateError     State = "error"
)

// Snapshot is a copy of the consumer state handed to observers.
type Snapshot struct {
	State     State
	Loading   bool
	Streaming bool
	Messages  []Message
	Model     string

	Error          *chaterr.Formatted
	ErrorKind      chaterr.Kind
	PartialContent string
	Notice         string

	PendingCharge int64
	Balance       int64
	BalanceKnown  bool
}
