package credential

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/routing"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type mockStore struct {
	getFunc    func(ctx context.Context, callerID string) (*StoredCredential, error)
	saveFunc   func(ctx context.Context, cred *StoredCredential) error
	deleteFunc func(ctx context.Context, callerID string) error
	usageFunc  func(ctx context.Context, credentialID string, usage provider.Usage) error
}

func (m *mockStore) GetActiveCredential(ctx context.Context, callerID string) (*StoredCredential, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, callerID)
	}
	return nil, ErrCredentialNotFound
}

func (m *mockStore) Save(ctx context.Context, cred *StoredCredential) error {
	if m.saveFunc != nil {
		return m.saveFunc(ctx, cred)
	}
	return nil
}

func (m *mockStore) Delete(ctx context.Context, callerID string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, callerID)
	}
	return nil
}

func (m *mockStore) RecordUsage(ctx context.Context, credentialID string, usage provider.Usage) error {
	if m.usageFunc != nil {
		return m.usageFunc(ctx, credentialID, usage)
	}
	return nil
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipherFromHex(testKeyHex)
	require.NoError(t, err)
	return c
}

func platformKeys() map[string]PlatformKey {
	return map[string]PlatformKey{
		provider.OpenAI:    {APIKey: "platform-openai"},
		provider.Anthropic: {APIKey: "platform-anthropic", BaseURL: "https://proxy.example/v1"},
	}
}

func newResolver(t *testing.T, store Store) *Resolver {
	return NewResolver(store, testCipher(t), routing.DefaultCatalog(), platformKeys(), slog.New(slog.DiscardHandler))
}

func autoDecision(model string) routing.Decision {
	return routing.Decision{RequestedModelID: routing.AutoModel, ResolvedModelID: model, Source: routing.SourceAuto}
}

func sealedCredential(t *testing.T, callerID, prov, model string) *StoredCredential {
	sealed, err := testCipher(t).Seal(callerID, "sk-user-secret")
	require.NoError(t, err)
	return &StoredCredential{ID: "cred-1", CallerID: callerID, Provider: prov, EncryptedSecret: sealed, ModelID: model}
}

func TestCipher_RoundTripAndFreshNonce(t *testing.T) {
	c := testCipher(t)
	a, err := c.Seal("caller", "secret")
	require.NoError(t, err)
	b, err := c.Seal("caller", "secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "secret")

	plain, err := c.Open("caller", a)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestCipher_BoundToCaller(t *testing.T) {
	c := testCipher(t)
	sealed, err := c.Seal("alice", "secret")
	require.NoError(t, err)
	_, err = c.Open("mallory", sealed)
	assert.Error(t, err)
}

func TestCipher_Malformed(t *testing.T) {
	c := testCipher(t)
	_, err := c.Open("x", "not base64!")
	assert.ErrorIs(t, err, ErrMalformedSecret)
	_, err = c.Open("x", "AAAA")
	assert.ErrorIs(t, err, ErrMalformedSecret)
}

func TestNewCipherFromHex_Invalid(t *testing.T) {
	_, err := NewCipherFromHex("zz")
	assert.Error(t, err)
	_, err = NewCipherFromHex(strings.Repeat("ab", 16))
	assert.Error(t, err)
}

func TestResolve_AnonymousUsesPlatform(t *testing.T) {
	called := false
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		called = true
		return nil, nil
	}})

	res, err := r.Resolve(context.Background(), AuthContext{}, autoDecision("claude-3-5-haiku-20241022"))
	require.NoError(t, err)
	assert.False(t, called)
	assert.False(t, res.IsBYOK)
	assert.Equal(t, provider.Anthropic, res.Provider)
	assert.Equal(t, "platform-anthropic", res.APIKey)
	assert.Equal(t, "https://proxy.example/v1", res.BaseURL)
}

func TestResolve_NoCredentialUsesPlatform(t *testing.T) {
	r := newResolver(t, &mockStore{})
	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, autoDecision("gpt-4o"))
	require.NoError(t, err)
	assert.False(t, res.IsBYOK)
	assert.Equal(t, "platform-openai", res.APIKey)
}

func TestResolve_BYOKPreferredModel(t *testing.T) {
	cred := sealedCredential(t, "u1", provider.OpenRouter, "deepseek/deepseek-chat")
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		return cred, nil
	}})

	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, autoDecision("gpt-4o-mini"))
	require.NoError(t, err)
	assert.True(t, res.IsBYOK)
	assert.Equal(t, provider.OpenRouter, res.Provider)
	assert.Equal(t, "sk-user-secret", res.APIKey)
	assert.Equal(t, "deepseek/deepseek-chat", res.ModelID)
	assert.Equal(t, "cred-1", res.CredentialID)
}

func TestResolve_BYOKExplicitModelWins(t *testing.T) {
	cred := sealedCredential(t, "u1", provider.OpenAI, "gpt-4o-mini")
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		return cred, nil
	}})

	d := routing.Decision{RequestedModelID: "gpt-4o", ResolvedModelID: "gpt-4o", Source: routing.SourceManual}
	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, d)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.ModelID)

	// A model from another provider cannot be served with this key.
	d = routing.Decision{RequestedModelID: "claude-3-5-sonnet-20241022", ResolvedModelID: "claude-3-5-sonnet-20241022", Source: routing.SourceManual}
	res, err = r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, d)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.ModelID)

	// Models outside the catalog are passed through.
	d = routing.Decision{RequestedModelID: "o1-preview", ResolvedModelID: "gpt-4o", Source: routing.SourceAuto}
	res, err = r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, d)
	require.NoError(t, err)
	assert.Equal(t, "o1-preview", res.ModelID)
}

func TestResolve_BYOKWithoutPreferenceUsesProviderDefault(t *testing.T) {
	cred := sealedCredential(t, "u1", provider.Anthropic, "")
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		return cred, nil
	}})
	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, autoDecision("gpt-4o-mini"))
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet-20241022", res.ModelID)
}

func TestResolve_DecryptFailureFallsBackToPlatform(t *testing.T) {
	cred := sealedCredential(t, "someone-else", provider.OpenAI, "gpt-4o")
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		return cred, nil
	}})

	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, autoDecision("gpt-4o-mini"))
	require.NoError(t, err)
	assert.False(t, res.IsBYOK)
	assert.Equal(t, "gpt-4o-mini", res.ModelID)
	assert.Equal(t, "platform-openai", res.APIKey)
}

func TestResolve_LookupFailureFallsBackToPlatform(t *testing.T) {
	r := newResolver(t, &mockStore{getFunc: func(context.Context, string) (*StoredCredential, error) {
		return nil, errors.New("connection refused")
	}})
	res, err := r.Resolve(context.Background(), AuthContext{CallerID: "u1"}, autoDecision("gpt-4o"))
	require.NoError(t, err)
	assert.False(t, res.IsBYOK)
}

func TestResolve_NoPlatformKey(t *testing.T) {
	r := newResolver(t, &mockStore{})
	_, err := r.Resolve(context.Background(), AuthContext{}, autoDecision("deepseek/deepseek-chat"))
	assert.ErrorIs(t, err, ErrNoPlatformCredential)

	_, err = r.Platform("unknown-model")
	assert.ErrorIs(t, err, ErrNoPlatformCredential)
}

func TestResolver_Providers(t *testing.T) {
	r := newResolver(t, &mockStore{})
	assert.Equal(t, []string{provider.Anthropic, provider.OpenAI}, r.Providers())
}

func TestResolution_LogValueHidesKey(t *testing.T) {
	res := Resolution{IsBYOK: true, Provider: "openai", APIKey: "sk-secret", ModelID: "gpt-4o"}
	assert.NotContains(t, res.LogValue().String(), "sk-secret")
}

type fakeRow struct {
	err  error
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		return r.scan(dest...)
	}
	return nil
}

type fakeDB struct {
	row      fakeRow
	tag      pgconn.CommandTag
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (d *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.lastSQL, d.lastArgs = sql, args
	return d.row
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.lastSQL, d.lastArgs = sql, args
	return d.tag, d.execErr
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := NewPostgresStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	_, err := s.GetActiveCredential(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestPostgresStore_SaveRequiresSecret(t *testing.T) {
	s := NewPostgresStore(&fakeDB{})
	err := s.Save(context.Background(), &StoredCredential{CallerID: "u1"})
	assert.Error(t, err)
}

func TestPostgresStore_SaveUpserts(t *testing.T) {
	db := &fakeDB{}
	s := NewPostgresStore(db)
	err := s.Save(context.Background(), &StoredCredential{CallerID: "u1", Provider: "openai", EncryptedSecret: "x"})
	require.NoError(t, err)
	assert.Contains(t, db.lastSQL, "ON CONFLICT (caller_id)")
}

func TestPostgresStore_DeleteAndUsageMissingRow(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("DELETE 0")}
	s := NewPostgresStore(db)
	assert.ErrorIs(t, s.Delete(context.Background(), "u1"), ErrCredentialNotFound)

	db.tag = pgconn.NewCommandTag("UPDATE 1")
	require.NoError(t, s.RecordUsage(context.Background(), "cred-1", provider.Usage{InputTokens: 3, OutputTokens: 4}))
	assert.Equal(t, []any{"cred-1", 3, 4}, db.lastArgs)
}
