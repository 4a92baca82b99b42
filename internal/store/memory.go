package store

import (
	"context"
	"sync"

	"github.com/prime399/study-flow-kiro-sub000/internal/chatclient"
)

// Memory is a SessionStore that forgets everything on exit.
type Memory struct {
	mu      sync.Mutex
	session *chatclient.Session
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (*chatclient.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	return clone(m.session), nil
}

func (m *Memory) Save(ctx context.Context, s *chatclient.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = clone(s)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

func clone(s *chatclient.Session) *chatclient.Session {
	return &chatclient.Session{
		Messages: append([]chatclient.Message(nil), s.Messages...),
		ModelID:  s.ModelID,
	}
}
