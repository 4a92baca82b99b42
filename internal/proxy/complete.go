package proxy

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/prime399/study-flow-kiro-sub000/internal/billing"
	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

// HandleComplete runs the same pipeline as HandleChat without streaming and
// answers in the OpenAI chat completion shape.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	t, ok := h.admit(w, r)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", t.callerID),
		attribute.String("request_id", t.requestID),
	)

	decision, res, cerr := h.plan(ctx, t)
	if cerr != nil {
		h.logFailure(t, cerr)
		writeChatError(w, cerr)
		return
	}
	annotate(span, decision, res)

	adapter, err := h.newAdapter(res.Descriptor())
	if err != nil {
		cerr := chaterr.Wrap(chaterr.KindServerError, err)
		h.logFailure(t, cerr)
		writeChatError(w, cerr)
		return
	}

	start := time.Now()
	response, err := adapter.Chat(ctx, h.providerRequest(t, res))
	if err != nil {
		cerr := chaterr.From(err)
		span.SetStatus(codes.Error, string(cerr.Kind))
		h.logFailure(t, cerr)
		h.reportHealth(res, cerr)

		outcome := billing.OutcomeFailed
		if cerr.Kind == chaterr.KindCancelled {
			outcome = billing.OutcomeCancelled
		}
		h.logUsage(t, res, provider.Usage{InputTokens: t.promptTokens}, outcome, time.Since(start))
		writeChatError(w, cerr)
		return
	}

	h.reportHealth(res, nil)
	if res.IsBYOK {
		h.recordCredentialUsage(ctx, res, response.Usage)
	}
	h.logUsage(t, res, response.Usage, billing.OutcomeCompleted, time.Since(start))

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}
	model := response.Model
	if model == "" {
		model = res.ModelID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       respID,
		"object":   "chat.completion",
		"model":    model,
		"provider": res.Provider,
		"isBYOK":   res.IsBYOK,
		"routing":  decision,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.Usage.InputTokens,
			"completion_tokens": response.Usage.OutputTokens,
			"total_tokens":      response.Usage.InputTokens + response.Usage.OutputTokens,
		},
	})
}
