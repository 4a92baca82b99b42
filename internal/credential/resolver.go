// Package credential decides whose key pays for a chat turn: the caller's
// own provider key (BYOK) or the platform's.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
)

var ErrNoPlatformCredential = errors.New("no platform credential configured")

// AuthContext is the caller identity of one request. An empty CallerID
// means an anonymous request.
type AuthContext struct {
	CallerID string
}

// Resolution is either BYOK (IsBYOK true, billed to the caller's key) or
// Platform (billed in coins).
type Resolution struct {
	IsBYOK       bool
	Provider     string
	APIKey       string
	BaseURL      string
	ModelID      string
	CredentialID string
}

func BYOK(cred *StoredCredential, apiKey, modelID string) Resolution {
	return Resolution{
		IsBYOK:       true,
		Provider:     cred.Provider,
		APIKey:       apiKey,
		BaseURL:      cred.BaseURL,
		ModelID:      modelID,
		CredentialID: cred.ID,
	}
}

func Platform(p string, key PlatformKey, modelID string) Resolution {
	return Resolution{
		Provider: p,
		APIKey:   key.APIKey,
		BaseURL:  key.BaseURL,
		ModelID:  modelID,
	}
}

func (r Resolution) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Provider: r.Provider,
		APIKey:   r.APIKey,
		BaseURL:  r.BaseURL,
		ModelID:  r.ModelID,
	}
}

// LogValue keeps the key out of logs.
func (r Resolution) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("byok", r.IsBYOK),
		slog.String("provider", r.Provider),
		slog.String("model", r.ModelID),
	)
}

type PlatformKey struct {
	APIKey  string
	BaseURL string
}

type Resolver struct {
	store    Store
	cipher   *Cipher
	catalog  *routing.Catalog
	platform map[string]PlatformKey
	logger   *slog.Logger
}

func NewResolver(store Store, cipher *Cipher, catalog *routing.Catalog, platform map[string]PlatformKey, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		cipher:   cipher,
		catalog:  catalog,
		platform: platform,
		logger:   logger,
	}
}

// Resolve never fails because a caller has no usable key of their own; every
// lookup or decrypt problem degrades to the platform key. The only error is
// a platform without a key for the routed model's provider.
func (r *Resolver) Resolve(ctx context.Context, ac AuthContext, d routing.Decision) (Resolution, error) {
	if ac.CallerID == "" {
		return r.Platform(d.ResolvedModelID)
	}

	cred, err := r.store.GetActiveCredential(ctx, ac.CallerID)
	if err != nil {
		if !errors.Is(err, ErrCredentialNotFound) {
			r.logger.Warn("credential lookup failed, using platform key",
				slog.String("caller_id", ac.CallerID), slog.Any("error", err))
		}
		return r.Platform(d.ResolvedModelID)
	}

	apiKey, err := r.cipher.Open(ac.CallerID, cred.EncryptedSecret)
	if err != nil {
		r.logger.Warn("credential decrypt failed, using platform key",
			slog.String("caller_id", ac.CallerID), slog.String("credential_id", cred.ID), slog.Any("error", err))
		return r.Platform(d.ResolvedModelID)
	}

	return BYOK(cred, apiKey, r.byokModel(cred, d)), nil
}

// byokModel prefers a model the request named explicitly, as long as the
// caller's provider can serve it. Then the stored preference, then the
// provider's first catalog model.
func (r *Resolver) byokModel(cred *StoredCredential, d routing.Decision) string {
	if d.Manual() {
		m, known := r.catalog.Lookup(d.RequestedModelID)
		if !known || m.Provider == cred.Provider {
			return d.RequestedModelID
		}
	}
	if cred.ModelID != "" {
		return cred.ModelID
	}
	if m, ok := r.catalog.FirstFor(cred.Provider); ok {
		return m.ID
	}
	return d.ResolvedModelID
}

// Platform resolves modelID to the platform key of its provider.
func (r *Resolver) Platform(modelID string) (Resolution, error) {
	m, ok := r.catalog.Lookup(modelID)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unknown model %q", ErrNoPlatformCredential, modelID)
	}
	key, ok := r.platform[m.Provider]
	if !ok || key.APIKey == "" {
		return Resolution{}, fmt.Errorf("%w: provider %s", ErrNoPlatformCredential, m.Provider)
	}
	return Platform(m.Provider, key, modelID), nil
}

// Providers lists the providers that have a platform key.
func (r *Resolver) Providers() []string {
	var out []string
	for _, m := range []string{provider.Anthropic, provider.OpenAI, provider.OpenRouter} {
		if key, ok := r.platform[m]; ok && key.APIKey != "" {
			out = append(out, m)
		}
	}
	return out
}
