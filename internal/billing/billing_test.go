package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	err  error
	scan func(dest ...any)
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		r.scan(dest...)
	}
	return nil
}

type fakeDB struct {
	row  fakeRow
	args []any
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	d.args = args
	return d.row
}

func (d *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestLogUsage(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) {
		*(dest[0].(*string)) = "log-1"
		*(dest[1].(*time.Time)) = created
	}}}

	log := &UsageLog{RequestID: "r1", Provider: "openai", Model: "gpt-4o", IsBYOK: true, Outcome: OutcomeCompleted}
	require.NoError(t, NewPostgresStore(db).LogUsage(context.Background(), log))
	assert.Equal(t, "log-1", log.ID)
	assert.Equal(t, created, log.CreatedAt)
	assert.Equal(t, "", db.args[0])
	assert.Equal(t, true, db.args[4])
}

func TestLogUsage_Error(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: errors.New("boom")}}
	err := NewPostgresStore(db).LogUsage(context.Background(), &UsageLog{})
	assert.ErrorContains(t, err, "failed to log usage")
}

func TestGetSummaryByCaller(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) {
		*(dest[0].(*int)) = 4
		*(dest[1].(*int)) = 1
		*(dest[4].(*float64)) = 0.25
	}}}
	sum, err := NewPostgresStore(db).GetSummaryByCaller(context.Background(), "u1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.TotalRequests)
	assert.Equal(t, 1, sum.BYOKRequests)
	assert.InDelta(t, 0.25, sum.PlatformCostUSD, 1e-9)
}
