// Package ledger keeps each caller's coin balance. Every mutation is a single
// statement that updates the balance and appends to the transaction journal.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrChargeNotFound    = errors.New("charge not found or already refunded")
)

// Receipt describes one applied charge or refund. ChargeID names the charge
// in both cases; a refund is only ever issued against it.
type Receipt struct {
	ChargeID string `json:"chargeId"`
	Amount   int64  `json:"amount"`
	Balance  int64  `json:"balance"`
}

type Ledger interface {
	Charge(ctx context.Context, callerID string, amount int64, reason string) (Receipt, error)
	// Refund returns the full amount of an earlier charge by the same caller.
	// A charge can be refunded once; later attempts fail with
	// ErrChargeNotFound.
	Refund(ctx context.Context, callerID, chargeID, reason string) (Receipt, error)
	Deposit(ctx context.Context, callerID string, amount int64, reason string) (int64, error)
	Balance(ctx context.Context, callerID string) (int64, error)
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresLedger struct {
	db DB
}

func NewPostgresLedger(db DB) Ledger {
	return &PostgresLedger{db: db}
}

const chargeQuery = `
	WITH updated AS (
		UPDATE coin_balances
		SET balance = balance - $2::bigint, updated_at = now()
		WHERE caller_id = $1 AND balance >= $2::bigint
		RETURNING balance
	), journal AS (
		INSERT INTO coin_transactions (caller_id, kind, amount, reason, balance_after)
		SELECT $1, 'charge', -$2::bigint, $3, balance FROM updated
		RETURNING id, balance_after
	)
	SELECT id::text, balance_after FROM journal
`

// refundQuery marks the charge refunded and credits it back in one
// statement. A concurrent second refund blocks on the charge row, then sees
// refunded_at set and matches nothing.
const refundQuery = `
	WITH charge AS (
		UPDATE coin_transactions
		SET refunded_at = now()
		WHERE id = $2::uuid AND caller_id = $1 AND kind = 'charge' AND refunded_at IS NULL
		RETURNING id, -amount AS amount
	), updated AS (
		UPDATE coin_balances AS b
		SET balance = b.balance + charge.amount, updated_at = now()
		FROM charge
		WHERE b.caller_id = $1
		RETURNING b.balance, charge.id, charge.amount
	), journal AS (
		INSERT INTO coin_transactions (caller_id, kind, amount, reason, balance_after, refund_of)
		SELECT $1, 'refund', amount, $3, balance, id FROM updated
	)
	SELECT amount, balance FROM updated
`

const depositQuery = `
	WITH updated AS (
		INSERT INTO coin_balances (caller_id, balance)
		VALUES ($1, $2::bigint)
		ON CONFLICT (caller_id) DO UPDATE
		SET balance = coin_balances.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance
	), journal AS (
		INSERT INTO coin_transactions (caller_id, kind, amount, reason, balance_after)
		SELECT $1, 'deposit', $2::bigint, $3, balance FROM updated
	)
	SELECT balance FROM updated
`

// Charge deducts amount, failing with ErrInsufficientFunds when the balance
// is too low or the caller has none.
func (l *PostgresLedger) Charge(ctx context.Context, callerID string, amount int64, reason string) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, ErrInvalidAmount
	}

	r := Receipt{Amount: amount}
	err := l.db.QueryRow(ctx, chargeQuery, callerID, amount, reason).Scan(&r.ChargeID, &r.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrInsufficientFunds
		}
		return Receipt{}, fmt.Errorf("failed to charge coins: %w", err)
	}

	return r, nil
}

func (l *PostgresLedger) Refund(ctx context.Context, callerID, chargeID, reason string) (Receipt, error) {
	if _, err := uuid.Parse(chargeID); err != nil {
		return Receipt{}, ErrChargeNotFound
	}

	r := Receipt{ChargeID: chargeID}
	err := l.db.QueryRow(ctx, refundQuery, callerID, chargeID, "refund: "+reason).Scan(&r.Amount, &r.Balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrChargeNotFound
		}
		return Receipt{}, fmt.Errorf("failed to refund coins: %w", err)
	}

	return r, nil
}

// Deposit adds coins outside any chat turn, such as the development seed.
func (l *PostgresLedger) Deposit(ctx context.Context, callerID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	if err := l.db.QueryRow(ctx, depositQuery, callerID, amount, reason).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to deposit coins: %w", err)
	}

	return balance, nil
}

// Balance is zero for callers that never had coins.
func (l *PostgresLedger) Balance(ctx context.Context, callerID string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance FROM coin_balances WHERE caller_id = $1`, callerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	return balance, nil
}
