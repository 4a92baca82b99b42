package stream

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

func decodeAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	var out []Event
	d := NewDecoder(r)
	for {
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(NewMessageStart("gpt-4o")))
	require.NoError(t, w.Send(NewTextDelta("Hel")))
	require.NoError(t, w.Send(NewTextDelta("lo\n\"x\"")))
	require.NoError(t, w.Send(NewMessageStop("gpt-4o", provider.Usage{InputTokens: 3, OutputTokens: 2}, true, "openai")))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "event: message_start\ndata: {"))

	events := decodeAll(t, rec.Body)
	require.Len(t, events, 4)
	assert.Equal(t, NewMessageStart("gpt-4o"), events[0])
	assert.Equal(t, "lo\n\"x\"", events[2].(TextDelta).Text)
	stop := events[3].(MessageStop)
	assert.True(t, stop.IsBYOK)
	assert.Equal(t, 2, stop.Usage.OutputTokens)
	assert.Equal(t, "openai", stop.Provider)
}

func TestWriter_NothingAfterTerminal(t *testing.T) {
	rec := httptest.NewRecorder()
	w, _ := NewWriter(context.Background(), rec)

	require.NoError(t, w.Send(NewMessageStart("m")))
	require.NoError(t, w.Send(NewError(chaterr.New(chaterr.KindRateLimited))))
	assert.ErrorIs(t, w.Send(NewTextDelta("late")), ErrClosed)
	assert.ErrorIs(t, w.Send(NewMessageStop("m", provider.Usage{}, false, "openai")), ErrClosed)
	assert.True(t, w.Closed())

	events := decodeAll(t, rec.Body)
	require.Len(t, events, 2)
	assert.Equal(t, TypeError, events[1].EventType())
}

func TestWriter_DropsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := httptest.NewRecorder()
	w, _ := NewWriter(ctx, rec)

	require.NoError(t, w.Send(NewMessageStart("m")))
	cancel()
	assert.ErrorIs(t, w.Send(NewTextDelta("dropped")), ErrClosed)
	assert.NotContains(t, rec.Body.String(), "dropped")
}

func TestErrorEvent_CarriesTaxonomy(t *testing.T) {
	e := NewError(chaterr.FromStatus(502))
	assert.Equal(t, 502, e.Code)
	require.NotNil(t, e.IsRetryable)
	assert.True(t, *e.IsRetryable)
	assert.Equal(t, string(chaterr.KindServerError), e.Kind)

	back := e.Taxonomy()
	assert.Equal(t, chaterr.KindServerError, back.Kind)
	assert.Equal(t, 502, back.StatusCode)
}

func TestErrorEvent_TaxonomyWithoutKind(t *testing.T) {
	assert.Equal(t, chaterr.KindCredentialInvalid, Error{Code: 401}.Taxonomy().Kind)
	assert.Equal(t, chaterr.KindRateLimited, Error{Error: "Rate limit hit"}.Taxonomy().Kind)

	no := false
	assert.False(t, Error{Error: "whatever", IsRetryable: &no}.Taxonomy().Retryable)
}

func TestDecoder_RequiresPairs(t *testing.T) {
	input := strings.Join([]string{
		`data: {"type":"text_delta","text":"orphan"}`,
		``,
		`event: text_delta`,
		``,
		`event: text_delta`,
		`data: {"type":"text_delta","text":"ok","extra":{"nested":true}}`,
		``,
		`event: future_event`,
		`data: {"type":"future_event","x":1}`,
		``,
		`event: text_delta`,
		`data: {"type":"text_delta","text":"cut`,
	}, "\n")

	events := decodeAll(t, strings.NewReader(input))
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].(TextDelta).Text)
}

func TestDecoder_TypeFieldDiscriminates(t *testing.T) {
	input := "event: text_delta\ndata: {\"type\":\"message_start\",\"model\":\"m\"}\n\n"
	events := decodeAll(t, strings.NewReader(input))
	require.Len(t, events, 1)
	assert.Equal(t, TypeMessageStart, events[0].EventType())
}

func TestDecoder_MalformedJSON(t *testing.T) {
	d := NewDecoder(strings.NewReader("event: text_delta\ndata: {nope\n\n"))
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecoder_CRLF(t *testing.T) {
	input := "event: message_start\r\ndata: {\"type\":\"message_start\",\"model\":\"m\"}\r\n\r\n"
	events := decodeAll(t, strings.NewReader(input))
	require.Len(t, events, 1)
}
