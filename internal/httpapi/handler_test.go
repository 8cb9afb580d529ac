package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/services/apikey"
	"smallbiznis-integrations/services/credential"
	"smallbiznis-integrations/services/masterkey"
	"smallbiznis-integrations/services/oauthstate"
	"smallbiznis-integrations/services/testutil"
	"smallbiznis-integrations/services/tokenrefresh"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeProviderClient struct {
	exchangeErr error
}

func (f *fakeProviderClient) Refresh(context.Context, string, string, string, string) (*tokenrefresh.TokenResponse, error) {
	return nil, errors.New("unexpected refresh")
}

func (f *fakeProviderClient) ExchangeCode(context.Context, string, string, string, string, string) (*tokenrefresh.TokenResponse, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &tokenrefresh.TokenResponse{
		AccessToken:  "exchanged-access",
		RefreshToken: "exchanged-refresh",
		ExpiresIn:    3600,
	}, nil
}

type testEnv struct {
	handler  *Handler
	router   http.Handler
	keys     *apikey.Service
	vault    *credential.Vault
	provider *fakeProviderClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&masterkey.AppConfig{},
		&credential.IntegrationCredential{},
		&apikey.APIKey{},
	)

	cfg := &config.Config{}
	cfg.OAuth.StateSecret = "handler-test-secret"
	cfg.OAuth.CallbackBaseURL = "https://app.example.com"
	cfg.OAuth.ClosePageURL = "https://app.example.com/oauth/close"
	cfg.OAuth.Google = config.ProviderApp{
		ClientID: "platform-client",
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
		Scopes:   "calendar.readonly",
	}

	keysResolver := masterkey.NewResolver(masterkey.ResolverParams{DB: db, Config: cfg})
	vault := credential.NewVault(credential.VaultParams{DB: db, Keys: keysResolver})
	state := oauthstate.NewService(oauthstate.ServiceParams{Config: cfg, Keys: keysResolver})
	provider := &fakeProviderClient{}
	refresh := tokenrefresh.NewManager(tokenrefresh.ManagerParams{Vault: vault, Client: provider, Config: cfg})

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	apiKeys := apikey.NewService(apikey.ServiceParams{DB: db, Node: node})

	h := NewHandler(HandlerParams{
		Config:  cfg,
		State:   state,
		Vault:   vault,
		Refresh: refresh,
		Keys:    apiKeys,
	})

	return &testEnv{
		handler:  h,
		router:   h.Router(),
		keys:     apiKeys,
		vault:    vault,
		provider: provider,
	}
}

func TestAPIKeyAuthRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/integrations/google/connect", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyAuthRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/integrations/google/connect", nil)
	req.Header.Set("X-API-Key", "sbik_live_unknown")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectCallbackRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext, _, err := env.keys.Issue(ctx, "org_1", "test key")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/integrations/google/connect", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "accounts.google.com", location.Host)

	q := location.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "platform-client", q.Get("client_id"))
	require.Equal(t, "https://app.example.com/integrations/google/callback", q.Get("redirect_uri"))
	require.NotEmpty(t, q.Get("state"))

	// the provider redirects back with the same state plus a code
	cb := httptest.NewRequest(http.MethodGet,
		"/integrations/google/callback?state="+url.QueryEscape(q.Get("state"))+"&code=auth-code", nil)
	cbRec := httptest.NewRecorder()
	env.router.ServeHTTP(cbRec, cb)

	require.Equal(t, http.StatusFound, cbRec.Code)
	closeURL, err := url.Parse(cbRec.Header().Get("Location"))
	require.NoError(t, err)
	require.Empty(t, closeURL.Query().Get("error"))

	stored, err := env.vault.Get(ctx, "org_1", credential.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, "exchanged-access", stored.(credential.GoogleCredential).AccessToken)
}

func TestCallbackRejectsForgedState(t *testing.T) {
	env := newTestEnv(t)

	cb := httptest.NewRequest(http.MethodGet, "/integrations/google/callback?state=forged&code=auth-code", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, cb)

	require.Equal(t, http.StatusFound, rec.Code)
	closeURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "state_invalid", closeURL.Query().Get("error"))
}

func TestCallbackMissingParameters(t *testing.T) {
	env := newTestEnv(t)

	cb := httptest.NewRequest(http.MethodGet, "/integrations/google/callback", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, cb)

	require.Equal(t, http.StatusFound, rec.Code)
	closeURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "missing_parameters", closeURL.Query().Get("error"))
}

func TestCallbackExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext, _, err := env.keys.Issue(ctx, "org_1", "test key")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/integrations/google/connect", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")

	env.provider.exchangeErr = errors.New("provider down")

	cb := httptest.NewRequest(http.MethodGet,
		"/integrations/google/callback?state="+url.QueryEscape(state)+"&code=auth-code", nil)
	cbRec := httptest.NewRecorder()
	env.router.ServeHTTP(cbRec, cb)

	closeURL, err := url.Parse(cbRec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "exchange_failed", closeURL.Query().Get("error"))

	// nothing was written to the vault
	stored, err := env.vault.Get(ctx, "org_1", credential.ProviderGoogle)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext, _, err := env.keys.Issue(ctx, "org_1", "test key")
	require.NoError(t, err)
	require.NoError(t, env.vault.Put(ctx, "org_1", credential.ProviderGoogle, credential.GoogleCredential{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	req := httptest.NewRequest(http.MethodDelete, "/v1/integrations/google", nil)
	req.Header.Set("X-API-Key", plaintext)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := env.vault.Get(ctx, "org_1", credential.ProviderGoogle)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
