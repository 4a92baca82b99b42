package migrations

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecer struct {
	statements []string
	err        error
}

func (m *mockExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	m.statements = append(m.statements, sql)
	return pgconn.CommandTag{}, m.err
}

func TestApply(t *testing.T) {
	db := &mockExecer{}
	applied, err := Apply(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, applied)
	require.Len(t, db.statements, 1)

	for _, table := range []string{"api_keys", "byok_credentials", "coin_balances", "coin_transactions", "usage_logs"} {
		assert.Contains(t, db.statements[0], "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestApply_Error(t *testing.T) {
	_, err := Apply(context.Background(), &mockExecer{err: errors.New("syntax error")})
	assert.ErrorContains(t, err, "001_init.sql")
}
