// Package seeder creates a development caller: an API key and a coin
// balance to spend with it.
package seeder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prime399/study-flow-kiro-sub000/internal/auth"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
)

const (
	TestAPIKey   = "sf-dev-key-12345"
	TestCallerID = "00000000-0000-0000-0000-000000000001"
)

type Result struct {
	APIKey   string
	CallerID string
	Balance  int64
}

// Seed is idempotent: the key is upserted and the balance is only topped up
// to the target, never past it.
func Seed(ctx context.Context, keys auth.Store, coins ledger.Ledger, balance int64, logger *slog.Logger) (*Result, error) {
	apiKey := &auth.APIKey{
		CallerID: TestCallerID,
		Name:     "development",
		KeyHash:  auth.HashKey(TestAPIKey),
		Active:   true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		return nil, fmt.Errorf("failed to seed api key: %w", err)
	}

	current, err := coins.Balance(ctx, TestCallerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read seeded balance: %w", err)
	}
	if current < balance {
		if current, err = coins.Deposit(ctx, TestCallerID, balance-current, "development seed"); err != nil {
			return nil, fmt.Errorf("failed to seed balance: %w", err)
		}
	}

	logger.Info("development caller seeded",
		slog.String("caller_id", TestCallerID),
		slog.Int64("balance", current),
	)
	return &Result{APIKey: TestAPIKey, CallerID: TestCallerID, Balance: current}, nil
}
