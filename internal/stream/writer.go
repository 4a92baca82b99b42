package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	ErrClosed                = errors.New("stream closed")
	ErrStreamingNotSupported = errors.New("streaming unsupported")
)

// Writer emits events to an HTTP response. After the request context is
// done, or after a terminal event, every further event is dropped.
type Writer struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	opened bool
	closed bool
}

func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingNotSupported
	}
	return &Writer{ctx: ctx, w: w, flusher: flusher}, nil
}

// Open writes the response headers. Send opens implicitly.
func (s *Writer) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open()
}

func (s *Writer) open() {
	if s.opened {
		return
	}
	s.opened = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

func (s *Writer) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx.Err() != nil {
		return ErrClosed
	}
	s.open()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.EventType(), err)
	}
	if IsTerminal(e) {
		s.closed = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.EventType(), data); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// Closed reports whether a terminal event was sent or the writer failed.
func (s *Writer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
