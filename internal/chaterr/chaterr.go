// Package chaterr is the error taxonomy shared by the provider adapters, the
// streaming gateway and the chat client. Every failure that can reach a user
// is reduced to a Kind with a fixed, human-readable message and suggestion;
// raw vendor text never leaves this package.
package chaterr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

type Kind string

const (
	KindCredentialInvalid  Kind = "credential-invalid"
	KindRateLimited        Kind = "rate-limited"
	KindServiceUnavailable Kind = "service-unavailable"
	KindBadRequest         Kind = "bad-request"
	KindServerError        Kind = "server-error"
	KindNetworkInterrupted Kind = "network-interrupted"
	KindInsufficientFunds  Kind = "insufficient-funds"
	KindCancelled          Kind = "cancelled"
	KindUnrecognized       Kind = "unrecognized"
)

// StatusClientClosedRequest follows the nginx convention for a client that
// went away before the response finished.
const StatusClientClosedRequest = 499

type entry struct {
	status     int
	retryable  bool
	message    string
	suggestion string
}

var taxonomy = map[Kind]entry{
	KindCredentialInvalid: {
		status:     http.StatusUnauthorized,
		message:    "The AI provider rejected the API key.",
		suggestion: "Check your API key in settings, or remove it to use platform coins.",
	},
	KindRateLimited: {
		status:     http.StatusTooManyRequests,
		retryable:  true,
		message:    "The AI service is receiving too many requests right now.",
		suggestion: "Wait a moment and try again.",
	},
	KindServiceUnavailable: {
		status:     http.StatusServiceUnavailable,
		retryable:  true,
		message:    "The AI service is temporarily unavailable.",
		suggestion: "Try again in a few moments.",
	},
	KindBadRequest: {
		status:     http.StatusBadRequest,
		retryable:  true,
		message:    "The AI service could not process this request.",
		suggestion: "Try to rephrase your message and send it again.",
	},
	KindServerError: {
		status:     http.StatusInternalServerError,
		retryable:  true,
		message:    "The AI service ran into an internal problem.",
		suggestion: "Try again, or contact support if it keeps happening.",
	},
	KindNetworkInterrupted: {
		retryable:  true,
		message:    "The connection was interrupted before the response finished.",
		suggestion: "Check your internet connection and try again.",
	},
	KindInsufficientFunds: {
		status:     http.StatusPaymentRequired,
		message:    "You do not have enough coins for this message.",
		suggestion: "Earn more coins by studying, or top up your balance.",
	},
	KindCancelled: {
		status:  StatusClientClosedRequest,
		message: "Response stopped.",
	},
	KindUnrecognized: {
		status:     http.StatusInternalServerError,
		retryable:  true,
		message:    "Something went wrong while generating a response.",
		suggestion: "Try again in a moment.",
	},
}

// Error is the sum type every adapter maps vendor failures into.
type Error struct {
	Kind       Kind
	StatusCode int
	Retryable  bool
	cause      error
}

// Formatted is the only shape of an error a user ever sees.
type Formatted struct {
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
	IsRetryable bool   `json:"isRetryable"`
}

func New(kind Kind) *Error {
	e, ok := taxonomy[kind]
	if !ok {
		kind = KindUnrecognized
		e = taxonomy[kind]
	}
	return &Error{Kind: kind, StatusCode: e.status, Retryable: e.retryable}
}

// Wrap is New with the underlying cause kept for logs and errors.Is.
func Wrap(kind Kind, cause error) *Error {
	e := New(kind)
	e.cause = cause
	return e
}

// WithCause attaches the underlying error and returns e.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	return taxonomy[e.Kind].message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Cause returns the underlying error text for logging. It must never be
// shown to a user.
func (e *Error) Cause() string {
	if e.cause == nil {
		return ""
	}
	return e.cause.Error()
}

func (e *Error) Formatted() Formatted {
	t := taxonomy[e.Kind]
	return Formatted{
		Message:     t.message,
		Suggestion:  t.suggestion,
		IsRetryable: e.Retryable,
	}
}

// FromStatus maps a vendor HTTP status code into the taxonomy.
func FromStatus(code int) *Error {
	// 529 is Anthropic's "overloaded".
	if code == 529 {
		code = http.StatusServiceUnavailable
	}
	var e *Error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = New(KindCredentialInvalid)
	case code == http.StatusTooManyRequests:
		e = New(KindRateLimited)
	case code == http.StatusServiceUnavailable:
		e = New(KindServiceUnavailable)
	case code == http.StatusBadRequest:
		e = New(KindBadRequest)
	case code == http.StatusPaymentRequired:
		e = New(KindInsufficientFunds)
	case code >= 500:
		e = New(KindServerError)
	default:
		e = New(KindUnrecognized)
	}
	if code > 0 {
		e.StatusCode = code
	}
	return e
}

// FromMessage pattern-matches free-form error text. It is the fallback for
// failures that arrive without a status code.
func FromMessage(msg string) *Error {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "authentication"),
		strings.Contains(m, "invalid api key"), strings.Contains(m, "invalid x-api-key"):
		return New(KindCredentialInvalid)
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"):
		return New(KindRateLimited)
	case strings.Contains(m, "unavailable"), strings.Contains(m, "overloaded"):
		return New(KindServiceUnavailable)
	case strings.Contains(m, "insufficient"):
		return New(KindInsufficientFunds)
	case strings.Contains(m, "canceled"), strings.Contains(m, "cancelled"), strings.Contains(m, "aborted"):
		return New(KindCancelled)
	case strings.Contains(m, "connection reset"), strings.Contains(m, "connection refused"),
		strings.Contains(m, "network"), strings.Contains(m, "unexpected eof"), strings.Contains(m, "broken pipe"):
		return New(KindNetworkInterrupted)
	default:
		return New(KindUnrecognized)
	}
}

// From classifies any error. Errors already in the taxonomy pass through.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindNetworkInterrupted, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetworkInterrupted, err)
	}
	e := FromMessage(err.Error())
	e.cause = err
	return e
}

func Format(err error) Formatted {
	if err == nil {
		return New(KindUnrecognized).Formatted()
	}
	return From(err).Formatted()
}

// FormatText formats an error that only exists as text.
func FormatText(msg string) Formatted {
	return FromMessage(msg).Formatted()
}

// FormatCoded formats a {message, code} pair; a known code wins over text.
func FormatCoded(msg string, code int) Formatted {
	if code > 0 {
		return FromStatus(code).Formatted()
	}
	return FromMessage(msg).Formatted()
}

// Parse turns a kind name received over the wire back into a Kind.
func Parse(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := taxonomy[k]
	return k, ok
}

// IsServerSide reports whether the kind says something about provider
// health rather than the caller's request or credential.
func (k Kind) IsServerSide() bool {
	switch k {
	case KindServiceUnavailable, KindServerError, KindNetworkInterrupted:
		return true
	}
	return false
}
