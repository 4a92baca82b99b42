package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (caller_id, request_id, provider, model, is_byok, outcome,
		                        input_tokens, output_tokens, cost_usd, latency_ms)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.CallerID, log.RequestID, log.Provider, log.Model, log.IsBYOK, log.Outcome,
		log.InputTokens, log.OutputTokens, log.CostUSD, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, caller_id, request_id, provider, model, is_byok, outcome,
		       input_tokens, output_tokens, cost_usd, latency_ms, created_at
		FROM usage_logs
		WHERE caller_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, callerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	logs := []*UsageLog{}
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.CallerID, &l.RequestID, &l.Provider, &l.Model, &l.IsBYOK, &l.Outcome,
			&l.InputTokens, &l.OutputTokens, &l.CostUSD, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetSummaryByCaller(ctx context.Context, callerID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_byok),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd) FILTER (WHERE NOT is_byok), 0)
		FROM usage_logs
		WHERE caller_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var sum Summary
	err := s.db.QueryRow(ctx, query, callerID, from, to).Scan(
		&sum.TotalRequests, &sum.BYOKRequests, &sum.InputTokens, &sum.OutputTokens, &sum.PlatformCostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	return &sum, nil
}
