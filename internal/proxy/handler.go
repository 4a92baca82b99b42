// Package proxy is the streaming chat gateway. Each request runs its own
// pipeline: route the model, resolve whose key pays, build the vendor
// adapter, and translate adapter callbacks into wire events.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prime399/study-flow-kiro-sub000/internal/auth"
	"github.com/prime399/study-flow-kiro-sub000/internal/billing"
	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/credential"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
	"github.com/prime399/study-flow-kiro-sub000/internal/stream"
	"github.com/prime399/study-flow-kiro-sub000/internal/tokens"
	"github.com/prime399/study-flow-kiro-sub000/pkg/ratelimit"
)

const sideEffectTimeout = 5 * time.Second

// ChatRequest is the body of POST /v1/chat and /v1/chat/completions.
type ChatRequest struct {
	Messages    []provider.Message  `json:"messages"`
	StudyStats  *routing.StudyStats `json:"studyStats,omitempty"`
	GroupInfo   *GroupInfo          `json:"groupInfo,omitempty"`
	UserName    string              `json:"userName,omitempty"`
	ModelID     string              `json:"modelId,omitempty"`
	MaxTokens   int                 `json:"maxTokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

func (r *ChatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages are required")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return errors.New("unsupported message role")
		}
	}
	if r.MaxTokens < 0 {
		return errors.New("maxTokens must not be negative")
	}
	return nil
}

func (r *ChatRequest) stats() routing.StudyStats {
	if r.StudyStats == nil {
		return routing.StudyStats{}
	}
	return *r.StudyStats
}

type Deps struct {
	Router       *routing.Router
	Availability *routing.Availability
	Resolver     *credential.Resolver
	Credentials  credential.Store
	Cipher       *credential.Cipher
	NewAdapter   func(provider.Descriptor) (provider.Adapter, error)
	Billing      billing.Store
	Ledger       ledger.Ledger
	Limiter      *ratelimit.Limiter
	Counter      tokens.Counter
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

type Handler struct {
	router       *routing.Router
	availability *routing.Availability
	resolver     *credential.Resolver
	credentials  credential.Store
	cipher       *credential.Cipher
	newAdapter   func(provider.Descriptor) (provider.Adapter, error)
	billing      billing.Store
	ledger       ledger.Ledger
	limiter      *ratelimit.Limiter
	counter      tokens.Counter
	tracer       trace.Tracer
	logger       *slog.Logger

	pending sync.WaitGroup
}

func NewHandler(d Deps) *Handler {
	counter := d.Counter
	if counter == nil {
		counter = tokens.Approx{}
	}
	return &Handler{
		router:       d.Router,
		availability: d.Availability,
		resolver:     d.Resolver,
		credentials:  d.Credentials,
		cipher:       d.Cipher,
		newAdapter:   d.NewAdapter,
		billing:      d.Billing,
		ledger:       d.Ledger,
		limiter:      d.Limiter,
		counter:      counter,
		tracer:       d.Tracer,
		logger:       d.Logger,
	}
}

// Wait blocks until background usage logging has finished.
func (h *Handler) Wait() {
	h.pending.Wait()
}

// turn is one decoded, admitted chat request.
type turn struct {
	callerID     string
	requestID    string
	req          ChatRequest
	promptTokens int
}

// HandleChat streams one chat turn as wire events. Failures before the
// stream opens are JSON errors; after that every path ends in exactly one
// terminal event.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	t, ok := h.admit(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", t.callerID),
		attribute.String("request_id", t.requestID),
	)

	sw, err := stream.NewWriter(ctx, w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sw.Open()

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("chat pipeline panic", slog.Any("panic", rec), slog.String("request_id", t.requestID))
			_ = sw.Send(stream.NewError(chaterr.New(chaterr.KindServerError)))
		}
	}()

	decision, res, cerr := h.plan(ctx, t)
	if cerr != nil {
		h.logFailure(t, cerr)
		span.SetStatus(codes.Error, string(cerr.Kind))
		_ = sw.Send(stream.NewError(cerr))
		return
	}
	annotate(span, decision, res)

	_ = sw.Send(stream.NewMessageStart(res.ModelID))

	adapter, err := h.newAdapter(res.Descriptor())
	if err != nil {
		cerr := chaterr.Wrap(chaterr.KindServerError, err)
		h.logFailure(t, cerr)
		_ = sw.Send(stream.NewError(cerr))
		return
	}

	start := time.Now()
	var (
		text      strings.Builder
		usage     provider.Usage
		completed bool
		failure   *chaterr.Error
	)

	adapter.StreamChat(ctx, h.providerRequest(t, res), provider.Callbacks{
		OnTextDelta: func(delta string) {
			text.WriteString(delta)
			_ = sw.Send(stream.NewTextDelta(delta))
		},
		OnComplete: func(u provider.Usage) {
			completed = true
			usage = u
			_ = sw.Send(stream.NewMessageStop(res.ModelID, u, res.IsBYOK, res.Provider))
			if res.IsBYOK {
				h.recordCredentialUsage(ctx, res, u)
			}
		},
		OnError: func(e *chaterr.Error) {
			failure = e
			_ = sw.Send(stream.NewError(e))
		},
	})

	if !completed && failure == nil {
		failure = chaterr.New(chaterr.KindNetworkInterrupted)
		_ = sw.Send(stream.NewError(failure))
	}

	outcome := billing.OutcomeCompleted
	if failure != nil {
		outcome = billing.OutcomeFailed
		if failure.Kind == chaterr.KindCancelled {
			outcome = billing.OutcomeCancelled
		}
		span.SetStatus(codes.Error, string(failure.Kind))
		h.logFailure(t, failure)
		// Usage the vendor never reported is estimated.
		usage = provider.Usage{
			InputTokens:  t.promptTokens,
			OutputTokens: h.counter.Count(res.ModelID, text.String()),
		}
	}

	h.reportHealth(res, failure)
	h.logUsage(t, res, usage, outcome, time.Since(start))
}

// admit decodes the body and applies the token budget. It writes the JSON
// error itself when it returns false.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (*turn, bool) {
	ctx := r.Context()

	t := &turn{
		callerID:  auth.GetCallerID(ctx),
		requestID: auth.GetRequestID(ctx),
	}
	if t.requestID == "" {
		t.requestID = uuid.New().String()
	}

	if err := json.NewDecoder(r.Body).Decode(&t.req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if err := t.req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	t.promptTokens = tokens.CountMessages(h.counter, t.req.ModelID, t.req.Messages)
	budget := t.promptTokens + provider.MaxTokens(&provider.Request{MaxTokens: t.req.MaxTokens})

	allowed, err := h.limiter.Allow(ctx, subject(t.callerID, r), budget)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", slog.Any("error", err))
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       chaterr.New(chaterr.KindRateLimited).Error(),
			"retry_after": "60s",
		})
		return nil, false
	}

	return t, true
}

// plan routes the model and resolves the credential. Both failures are
// configuration problems, so they are not retryable.
func (h *Handler) plan(ctx context.Context, t *turn) (routing.Decision, credential.Resolution, *chaterr.Error) {
	decision, err := h.router.Resolve(t.req.Messages, t.req.stats(), t.req.ModelID, h.availability.Available())
	if err != nil {
		return decision, credential.Resolution{}, configError(err)
	}

	res, err := h.resolver.Resolve(ctx, credential.AuthContext{CallerID: t.callerID}, decision)
	if err != nil {
		return decision, res, configError(err)
	}
	return decision, res, nil
}

func (h *Handler) providerRequest(t *turn, res credential.Resolution) *provider.Request {
	return &provider.Request{
		Model:       res.ModelID,
		Messages:    withSystemPrompt(&t.req),
		MaxTokens:   t.req.MaxTokens,
		Temperature: t.req.Temperature,
	}
}

// reportHealth feeds platform outcomes to the provider breakers. A BYOK
// failure says nothing about the platform key, and a client abort says
// nothing about the provider.
func (h *Handler) reportHealth(res credential.Resolution, failure *chaterr.Error) {
	if res.IsBYOK || (failure != nil && failure.Kind == chaterr.KindCancelled) {
		return
	}
	h.availability.Report(res.Provider, failure)
}

func (h *Handler) recordCredentialUsage(ctx context.Context, res credential.Resolution, u provider.Usage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := h.credentials.RecordUsage(ctx, res.CredentialID, u); err != nil {
		h.logger.Warn("failed to record credential usage",
			slog.String("credential_id", res.CredentialID), slog.Any("error", err))
	}
}

func (h *Handler) logUsage(t *turn, res credential.Resolution, u provider.Usage, outcome string, latency time.Duration) {
	entry := &billing.UsageLog{
		CallerID:     t.callerID,
		RequestID:    t.requestID,
		Provider:     res.Provider,
		Model:        res.ModelID,
		IsBYOK:       res.IsBYOK,
		Outcome:      outcome,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      h.router.Catalog().Cost(res.ModelID, u),
		LatencyMs:    latency.Milliseconds(),
	}

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := h.billing.LogUsage(ctx, entry); err != nil {
			h.logger.Warn("failed to log usage", slog.String("request_id", entry.RequestID), slog.Any("error", err))
		}
	}()
}

func (h *Handler) logFailure(t *turn, e *chaterr.Error) {
	level := slog.LevelWarn
	if e.Kind == chaterr.KindCancelled {
		level = slog.LevelInfo
	}
	h.logger.Log(context.Background(), level, "chat turn failed",
		slog.String("request_id", t.requestID),
		slog.String("kind", string(e.Kind)),
		slog.Int("status", e.StatusCode),
		slog.String("cause", e.Cause()),
	)
}

func annotate(span trace.Span, d routing.Decision, res credential.Resolution) {
	span.SetAttributes(
		attribute.String("model", res.ModelID),
		attribute.String("provider", res.Provider),
		attribute.String("routing.source", d.Source),
		attribute.String("routing.urgency", d.Analysis.Urgency.Value),
		attribute.String("routing.requirement", d.Analysis.Requirement.Value),
		attribute.Bool("byok", res.IsBYOK),
	)
}

func configError(err error) *chaterr.Error {
	e := chaterr.Wrap(chaterr.KindServiceUnavailable, err)
	e.Retryable = false
	return e
}

func subject(callerID string, r *http.Request) string {
	if callerID != "" {
		return ratelimit.CallerSubject(callerID)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return ratelimit.AddrSubject(host)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeChatError renders a taxonomy error outside a stream.
func writeChatError(w http.ResponseWriter, e *chaterr.Error) {
	status := e.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	f := e.Formatted()
	writeJSON(w, status, map[string]any{
		"error":       f.Message,
		"suggestion":  f.Suggestion,
		"isRetryable": f.IsRetryable,
		"kind":        e.Kind,
	})
}
