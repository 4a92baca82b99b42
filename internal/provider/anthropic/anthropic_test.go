package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

type streamResult struct {
	deltas    []string
	usage     *provider.Usage
	err       *chaterr.Error
	terminals int
}

func collect(t *testing.T, a *Adapter, req *provider.Request) *streamResult {
	t.Helper()
	res := &streamResult{}
	a.StreamChat(context.Background(), req, provider.Callbacks{
		OnTextDelta: func(text string) { res.deltas = append(res.deltas, text) },
		OnComplete: func(u provider.Usage) {
			res.terminals++
			res.usage = &u
		},
		OnError: func(err *chaterr.Error) {
			res.terminals++
			res.err = err
		},
	})
	return res
}

func writeEvent(w io.Writer, event string, payload any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func userRequest() *provider.Request {
	return &provider.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}
}

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "/messages", r.URL.Path)
		resp := messagesResponse{
			ID:      "msg_123",
			Content: []contentBlock{{Type: "text", Text: "Hello from Claude mock!"}},
			Usage:   usage{InputTokens: 10, OutputTokens: 20},
			Model:   "claude-3-5-sonnet-20241022",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := New("test-key", server.URL)
	resp, err := a.Chat(context.Background(), userRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hello from Claude mock!", resp.Content)
	assert.Equal(t, 10, resp.Usage.InputTokens)
	assert.Equal(t, 20, resp.Usage.OutputTokens)
	assert.Equal(t, provider.Anthropic, resp.Provider)
}

func TestStreamChat_DeltasAndFinalUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "message_start", map[string]any{
			"type":    "message_start",
			"message": map[string]any{"usage": map[string]int{"input_tokens": 12, "output_tokens": 1}},
		})
		writeEvent(w, "ping", map[string]string{"type": "ping"})
		for _, text := range []string{"Hello", " world", "!"} {
			writeEvent(w, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"delta": map[string]string{"type": "text_delta", "text": text},
			})
		}
		writeEvent(w, "message_delta", map[string]any{
			"type":  "message_delta",
			"usage": map[string]int{"output_tokens": 7},
		})
		writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
	}))
	defer server.Close()

	res := collect(t, New("test-key", server.URL), userRequest())

	require.Nil(t, res.err)
	assert.Equal(t, 1, res.terminals)
	assert.Equal(t, "Hello world!", strings.Join(res.deltas, ""))
	require.NotNil(t, res.usage)
	assert.Equal(t, provider.Usage{InputTokens: 12, OutputTokens: 7}, *res.usage)
}

func TestStreamChat_EmptyResponseStillCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "message_start", map[string]any{"message": map[string]any{"usage": map[string]int{"input_tokens": 3}}})
		writeEvent(w, "message_stop", map[string]string{"type": "message_stop"})
	}))
	defer server.Close()

	res := collect(t, New("k", server.URL), userRequest())
	assert.Empty(t, res.deltas)
	require.NotNil(t, res.usage)
	assert.Equal(t, 3, res.usage.InputTokens)
	assert.Equal(t, 0, res.usage.OutputTokens)
}

func TestStreamChat_EOFWithoutStopIsInterrupted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "content_block_delta", map[string]any{
			"delta": map[string]string{"type": "text_delta", "text": "partial"},
		})
	}))
	defer server.Close()

	res := collect(t, New("k", server.URL), userRequest())
	assert.Equal(t, []string{"partial"}, res.deltas)
	assert.Equal(t, 1, res.terminals)
	require.NotNil(t, res.err)
	assert.Equal(t, chaterr.KindNetworkInterrupted, res.err.Kind)
	assert.True(t, res.err.Retryable)
}

func TestStreamChat_OverloadedStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "error", map[string]any{
			"type":  "error",
			"error": map[string]string{"type": "overloaded_error", "message": "Overloaded"},
		})
	}))
	defer server.Close()

	res := collect(t, New("k", server.URL), userRequest())
	require.NotNil(t, res.err)
	assert.Equal(t, 1, res.terminals)
	assert.Equal(t, 503, res.err.StatusCode)
	assert.True(t, res.err.Retryable)
	assert.Nil(t, res.usage)
}

func TestStreamChat_HTTPErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		errType   string
		wantCode  int
		retryable bool
	}{
		{401, "authentication_error", 401, false},
		{429, "rate_limit_error", 429, true},
		{529, "overloaded_error", 503, true},
		{400, "invalid_request_error", 400, true},
		{502, "api_error", 502, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"type":  "error",
					"error": map[string]string{"type": tt.errType, "message": "vendor detail"},
				})
			}))
			defer server.Close()

			res := collect(t, New("k", server.URL), userRequest())
			require.NotNil(t, res.err)
			assert.Equal(t, tt.wantCode, res.err.StatusCode)
			assert.Equal(t, tt.retryable, res.err.Retryable)
			assert.NotContains(t, res.err.Error(), "vendor detail")
			assert.Equal(t, 1, res.terminals)
		})
	}
}

func TestStreamChat_Cancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "content_block_delta", map[string]any{
			"delta": map[string]string{"type": "text_delta", "text": "one"},
		})
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var gotErr *chaterr.Error
	New("k", server.URL).StreamChat(ctx, userRequest(), provider.Callbacks{
		OnTextDelta: func(string) { cancel() },
		OnError:     func(err *chaterr.Error) { gotErr = err },
	})

	require.NotNil(t, gotErr)
	assert.Equal(t, chaterr.KindCancelled, gotErr.Kind)
}

func TestStreamChat_BrotliBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		writeEvent(bw, "content_block_delta", map[string]any{
			"delta": map[string]string{"type": "text_delta", "text": "compressed"},
		})
		writeEvent(bw, "message_stop", map[string]string{"type": "message_stop"})
		_ = bw.Close()
	}))
	defer server.Close()

	res := collect(t, New("k", server.URL), userRequest())
	require.Nil(t, res.err)
	assert.Equal(t, []string{"compressed"}, res.deltas)
}

func TestSystemMessageExtraction(t *testing.T) {
	var captured messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_ = json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{{Type: "text", Text: "ok"}}})
	}))
	defer server.Close()

	req := &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "hi"},
		},
	}
	_, err := New("k", server.URL).Chat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "You are a helpful assistant.", captured.System)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, "user", captured.Messages[0].Role)
}

func TestMaxTokensDefaultAndPassthrough(t *testing.T) {
	for _, n := range []int{0, 1, 4096, 8192, 100000} {
		got := mapRequest(&provider.Request{MaxTokens: n}, true)
		want := n
		if n == 0 {
			want = provider.DefaultMaxTokens
		}
		assert.Equal(t, want, got.MaxTokens, "max_tokens %d", n)
	}
}

func TestValidateKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	assert.True(t, New("good", server.URL).ValidateKey(context.Background()))
	assert.False(t, New("bad", server.URL).ValidateKey(context.Background()))
}

func TestName(t *testing.T) {
	assert.Equal(t, "anthropic", New("key", "").Name())
}
