// Package billing records what each chat turn consumed. Coins are the
// ledger's business; this is the token and cost log behind /v1/usage.
package billing

import (
	"context"
	"time"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type UsageLog struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"caller_id,omitempty"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	IsBYOK       bool      `json:"is_byok"`
	Outcome      string    `json:"outcome"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Summary aggregates a caller's usage over a window. Platform cost excludes
// BYOK turns, which the caller paid for directly.
type Summary struct {
	TotalRequests   int     `json:"total_requests"`
	BYOKRequests    int     `json:"byok_requests"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	PlatformCostUSD float64 `json:"platform_cost_usd"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*UsageLog, error)
	GetSummaryByCaller(ctx context.Context, callerID string, from, to time.Time) (*Summary, error)
}
