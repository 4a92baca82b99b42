package chaterr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actionWords = []string{"try", "check", "wait", "rephrase", "contact", "earn", "top up", "remove"}

var bareStatus = regexp.MustCompile(`^\d{3}$`)

func assertHygienic(t *testing.T, f Formatted) {
	t.Helper()
	require.NotEmpty(t, f.Message)
	assert.False(t, bareStatus.MatchString(strings.TrimSpace(f.Message)), "message is a bare status code: %q", f.Message)
	assert.NotContains(t, f.Message, "[object Object]")
	assert.LessOrEqual(t, len(f.Message), 200)
	if f.Suggestion == "" {
		return
	}
	assert.LessOrEqual(t, len(f.Suggestion), 150)
	lower := strings.ToLower(f.Suggestion)
	found := false
	for _, w := range actionWords {
		if strings.Contains(lower, w) {
			found = true
			break
		}
	}
	assert.True(t, found, "suggestion has no action word: %q", f.Suggestion)
}

func TestFormat_Hygiene(t *testing.T) {
	inputs := []string{
		"",
		"500",
		"[object Object]",
		`{"error":{"type":"overloaded_error","message":"Overloaded"}}`,
		"Unauthorized",
		"rate limit exceeded for org-123",
		strings.Repeat("x", 5000),
		"panic: runtime error: index out of range\n\tgoroutine 1 [running]",
		"connection reset by peer",
	}
	for _, in := range inputs {
		assertHygienic(t, FormatText(in))
		assertHygienic(t, Format(errors.New(in)))
	}

	for code := 100; code < 600; code += 7 {
		assertHygienic(t, FormatCoded(fmt.Sprintf("%d", code), code))
	}
	for k := range taxonomy {
		assertHygienic(t, New(k).Formatted())
	}
}

func TestFormat_NeverEchoesRawText(t *testing.T) {
	raw := "claude api error (status 401): {\"error\":\"secret-detail\"}"
	f := FormatText(raw)
	assert.NotContains(t, f.Message, "secret-detail")
	assert.NotContains(t, f.Message, "401")
}

func TestFromStatus_Retryability(t *testing.T) {
	assert.False(t, FromStatus(401).Retryable)
	for _, code := range []int{429, 503} {
		assert.True(t, FromStatus(code).Retryable, "code %d", code)
	}
	assert.True(t, FromStatus(400).Retryable)
	for code := 500; code < 600; code++ {
		e := FromStatus(code)
		assert.True(t, e.Retryable, "code %d", code)
	}
}

func TestFromStatus_Codes(t *testing.T) {
	tests := []struct {
		code     int
		kind     Kind
		wantCode int
	}{
		{401, KindCredentialInvalid, 401},
		{429, KindRateLimited, 429},
		{503, KindServiceUnavailable, 503},
		{529, KindServiceUnavailable, 503},
		{400, KindBadRequest, 400},
		{502, KindServerError, 502},
		{500, KindServerError, 500},
		{404, KindUnrecognized, 404},
	}
	for _, tt := range tests {
		e := FromStatus(tt.code)
		assert.Equal(t, tt.kind, e.Kind, "code %d", tt.code)
		assert.Equal(t, tt.wantCode, e.StatusCode, "code %d", tt.code)
	}
}

func TestFromMessage_Patterns(t *testing.T) {
	tests := map[string]Kind{
		"Unauthorized request":          KindCredentialInvalid,
		"authentication_error":          KindCredentialInvalid,
		"Rate limit reached":            KindRateLimited,
		"Service Unavailable":           KindServiceUnavailable,
		"the model is overloaded":       KindServiceUnavailable,
		"something odd happened":        KindUnrecognized,
		"read: connection reset by peer": KindNetworkInterrupted,
	}
	for msg, kind := range tests {
		assert.Equal(t, kind, FromMessage(msg).Kind, msg)
	}

	generic := FromMessage("something odd happened")
	assert.True(t, generic.Retryable)
	assert.Equal(t, 500, generic.StatusCode)
}

func TestFrom_PassThroughAndContext(t *testing.T) {
	orig := FromStatus(429)
	wrapped := fmt.Errorf("stream: %w", orig)
	assert.Same(t, orig, From(wrapped))

	assert.Equal(t, KindCancelled, From(context.Canceled).Kind)
	assert.False(t, From(context.Canceled).Retryable)
	assert.Equal(t, KindNetworkInterrupted, From(io.ErrUnexpectedEOF).Kind)
	assert.Nil(t, From(nil))
}

func TestCancelled_HasNoSuggestion(t *testing.T) {
	f := New(KindCancelled).Formatted()
	assert.Empty(t, f.Suggestion)
	assert.False(t, f.IsRetryable)
}

func TestParse(t *testing.T) {
	k, ok := Parse("rate-limited")
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, k)

	_, ok = Parse("nope")
	assert.False(t, ok)
}
