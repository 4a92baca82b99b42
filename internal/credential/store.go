package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

var ErrCredentialNotFound = errors.New("credential not found")

// StoredCredential is a caller's own provider key, sealed at rest. A caller
// has at most one; saving a new one replaces it whatever its provider.
type StoredCredential struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"-"`
	Provider        string     `json:"provider"`
	EncryptedSecret string     `json:"-"`
	BaseURL         string     `json:"baseUrl,omitempty"`
	ModelID         string     `json:"modelId,omitempty"`
	RequestCount    int64      `json:"requestCount"`
	InputTokens     int64      `json:"inputTokens"`
	OutputTokens    int64      `json:"outputTokens"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type Store interface {
	GetActiveCredential(ctx context.Context, callerID string) (*StoredCredential, error)
	Save(ctx context.Context, cred *StoredCredential) error
	Delete(ctx context.Context, callerID string) error
	RecordUsage(ctx context.Context, credentialID string, usage provider.Usage) error
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetActiveCredential(ctx context.Context, callerID string) (*StoredCredential, error) {
	query := `
		SELECT id, caller_id, provider, encrypted_secret, base_url, model_id,
		       request_count, input_tokens, output_tokens, last_used_at, created_at, updated_at
		FROM byok_credentials
		WHERE caller_id = $1
	`

	var c StoredCredential
	err := s.db.QueryRow(ctx, query, callerID).Scan(
		&c.ID, &c.CallerID, &c.Provider, &c.EncryptedSecret, &c.BaseURL, &c.ModelID,
		&c.RequestCount, &c.InputTokens, &c.OutputTokens, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &c, nil
}

func (s *PostgresStore) Save(ctx context.Context, cred *StoredCredential) error {
	if cred.CallerID == "" || cred.EncryptedSecret == "" {
		return fmt.Errorf("caller_id and encrypted_secret are required")
	}

	query := `
		INSERT INTO byok_credentials (caller_id, provider, encrypted_secret, base_url, model_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (caller_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			encrypted_secret = EXCLUDED.encrypted_secret,
			base_url = EXCLUDED.base_url,
			model_id = EXCLUDED.model_id,
			request_count = 0,
			input_tokens = 0,
			output_tokens = 0,
			last_used_at = NULL,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRow(ctx, query,
		cred.CallerID, cred.Provider, cred.EncryptedSecret, cred.BaseURL, cred.ModelID,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, callerID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM byok_credentials WHERE caller_id = $1`, callerID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, credentialID string, usage provider.Usage) error {
	query := `
		UPDATE byok_credentials
		SET request_count = request_count + 1,
		    input_tokens = input_tokens + $2,
		    output_tokens = output_tokens + $3,
		    last_used_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, credentialID, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return fmt.Errorf("failed to record credential usage: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}

	return nil
}
