// Package store keeps chat sessions on the client machine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/prime399/study-flow-kiro-sub000/internal/chatclient"
)

// SQLiteStore persists sessions to a SQLite database, one row per key.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, _ = db.Exec("PRAGMA busy_timeout=5000")

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			key TEXT PRIMARY KEY,
			messages TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Session binds the store to one key so a consumer can use it.
func (s *SQLiteStore) Session(key string) chatclient.SessionStore {
	return &sqliteSession{store: s, key: key}
}

func (s *SQLiteStore) Save(ctx context.Context, key string, session *chatclient.Session) error {
	data, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chat_sessions (key, messages, model, updated_at)
		VALUES (?, ?, ?, ?)
	`, key, string(data), session.ModelID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns nil when nothing was saved under key.
func (s *SQLiteStore) Load(ctx context.Context, key string) (*chatclient.Session, error) {
	var messagesJSON, model string
	err := s.db.QueryRowContext(ctx, `
		SELECT messages, model FROM chat_sessions WHERE key = ?
	`, key).Scan(&messagesJSON, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	session := &chatclient.Session{ModelID: model}
	if err := json.Unmarshal([]byte(messagesJSON), &session.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM chat_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DefaultDBPath is ~/.studyflow/chat.db, or a file in the working directory
// when there is no home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".studyflow", "chat.db")
}

type sqliteSession struct {
	store *SQLiteStore
	key   string
}

func (s *sqliteSession) Load(ctx context.Context) (*chatclient.Session, error) {
	return s.store.Load(ctx, s.key)
}

func (s *sqliteSession) Save(ctx context.Context, session *chatclient.Session) error {
	return s.store.Save(ctx, s.key, session)
}

func (s *sqliteSession) Clear(ctx context.Context) error {
	return s.store.Delete(ctx, s.key)
}
