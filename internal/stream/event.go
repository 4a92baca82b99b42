// Package stream implements the chat wire protocol: one event per frame,
// framed as "event: <type>\ndata: <json>\n\n". A stream is one message_start,
// any number of text_delta, and exactly one terminal message_stop or error.
package stream

import (
	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

const (
	TypeMessageStart = "message_start"
	TypeTextDelta    = "text_delta"
	TypeMessageStop  = "message_stop"
	TypeError        = "error"
)

type Event interface {
	EventType() string
}

type MessageStart struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type MessageStop struct {
	Type     string         `json:"type"`
	Model    string         `json:"model"`
	Usage    provider.Usage `json:"usage"`
	IsBYOK   bool           `json:"isBYOK"`
	Provider string         `json:"provider"`
}

// Error carries an already formatted message. Kind lets clients rebuild the
// taxonomy entry without parsing text.
type Error struct {
	Type        string `json:"type"`
	Error       string `json:"error"`
	Code        int    `json:"code,omitempty"`
	IsRetryable *bool  `json:"isRetryable,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

func (MessageStart) EventType() string { return TypeMessageStart }
func (TextDelta) EventType() string    { return TypeTextDelta }
func (MessageStop) EventType() string  { return TypeMessageStop }
func (Error) EventType() string        { return TypeError }

func NewMessageStart(model string) MessageStart {
	return MessageStart{Type: TypeMessageStart, Model: model}
}

func NewTextDelta(text string) TextDelta {
	return TextDelta{Type: TypeTextDelta, Text: text}
}

func NewMessageStop(model string, usage provider.Usage, isBYOK bool, providerName string) MessageStop {
	return MessageStop{Type: TypeMessageStop, Model: model, Usage: usage, IsBYOK: isBYOK, Provider: providerName}
}

// NewError renders a taxonomy error for the wire. Only the fixed taxonomy
// text is sent, never the cause.
func NewError(err *chaterr.Error) Error {
	f := err.Formatted()
	retryable := f.IsRetryable
	return Error{
		Type:        TypeError,
		Error:       f.Message,
		Code:        err.StatusCode,
		IsRetryable: &retryable,
		Kind:        string(err.Kind),
		Suggestion:  f.Suggestion,
	}
}

// Taxonomy maps a received error event back to a taxonomy error. The kind
// wins when present, then the code, then the text.
func (e Error) Taxonomy() *chaterr.Error {
	var out *chaterr.Error
	if k, ok := chaterr.Parse(e.Kind); ok {
		out = chaterr.New(k)
		if e.Code > 0 {
			out.StatusCode = e.Code
		}
	} else if e.Code > 0 {
		out = chaterr.FromStatus(e.Code)
	} else {
		out = chaterr.FromMessage(e.Error)
	}
	if e.IsRetryable != nil {
		out.Retryable = *e.IsRetryable
	}
	return out
}

// IsTerminal reports whether e closes a stream.
func IsTerminal(e Event) bool {
	switch e.EventType() {
	case TypeMessageStop, TypeError:
		return true
	}
	return false
}
