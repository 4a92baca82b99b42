package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prime399/study-flow-kiro-sub000/internal/auth"
	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/credential"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
)

const validateTimeout = 15 * time.Second

// HandleModels lists the models the platform can serve right now.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	catalog := h.router.Catalog()
	type model struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
		Name     string `json:"name"`
	}
	models := []model{}
	for _, id := range h.availability.Available() {
		m, _ := catalog.Lookup(id)
		models = append(models, model{ID: m.ID, Provider: m.Provider, Name: m.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default": "auto",
		"models":  models,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := auth.GetCallerID(ctx)

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetUsageByCaller(ctx, callerID, from, to)
	if err != nil {
		h.logger.Error("usage query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	summary, err := h.billing.GetSummaryByCaller(ctx, callerID, from, to)
	if err != nil {
		h.logger.Error("usage summary failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"caller_id": callerID,
		"summary":   summary,
		"logs":      logs,
		"from":      from,
		"to":        to,
	})
}

type chargeRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundRequest struct {
	ChargeID string `json:"chargeId"`
	Reason   string `json:"reason"`
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.Balance(r.Context(), auth.GetCallerID(r.Context()))
	if err != nil {
		h.logger.Error("balance query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// HandleCharge pre-deducts coins for a chat turn. The returned chargeId is
// the only handle a refund accepts.
func (h *Handler) HandleCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := h.ledger.Charge(r.Context(), auth.GetCallerID(r.Context()), req.Amount, req.Reason)
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeChatError(w, chaterr.New(chaterr.KindInsufficientFunds))
		return
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("coin charge failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update balance")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// HandleRefund returns the coins of one earlier charge, at most once.
func (h *Handler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ChargeID) == "" {
		writeError(w, http.StatusBadRequest, "chargeId is required")
		return
	}

	receipt, err := h.ledger.Refund(r.Context(), auth.GetCallerID(r.Context()), req.ChargeID, req.Reason)
	switch {
	case errors.Is(err, ledger.ErrChargeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Error("coin refund failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update balance")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type credentialRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseUrl,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
}

func (h *Handler) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := h.credentials.GetActiveCredential(r.Context(), auth.GetCallerID(r.Context()))
	if errors.Is(err, credential.ErrCredentialNotFound) {
		writeError(w, http.StatusNotFound, "no credential saved")
		return
	}
	if err != nil {
		h.logger.Error("credential lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// HandlePutCredential checks the key against its provider, seals it and
// replaces whatever credential the caller had before.
func (h *Handler) HandlePutCredential(w http.ResponseWriter, r *http.Request) {
	callerID := auth.GetCallerID(r.Context())

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "apiKey is required")
		return
	}

	adapter, err := h.newAdapter(provider.Descriptor{
		Provider: req.Provider,
		APIKey:   req.APIKey,
		BaseURL:  req.BaseURL,
		ModelID:  req.ModelID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported provider")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), validateTimeout)
	defer cancel()
	if !adapter.ValidateKey(ctx) {
		writeChatError(w, chaterr.New(chaterr.KindCredentialInvalid))
		return
	}

	sealed, err := h.cipher.Seal(callerID, req.APIKey)
	if err != nil {
		h.logger.Error("credential seal failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}

	cred := &credential.StoredCredential{
		CallerID:        callerID,
		Provider:        req.Provider,
		EncryptedSecret: sealed,
		BaseURL:         req.BaseURL,
		ModelID:         req.ModelID,
	}
	if err := h.credentials.Save(r.Context(), cred); err != nil {
		h.logger.Error("credential save failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to save credential")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (h *Handler) HandleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := h.credentials.Delete(r.Context(), auth.GetCallerID(r.Context()))
	if errors.Is(err, credential.ErrCredentialNotFound) {
		writeError(w, http.StatusNotFound, "no credential saved")
		return
	}
	if err != nil {
		h.logger.Error("credential delete failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
