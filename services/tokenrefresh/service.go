package tokenrefresh

import (
	"context"
	"time"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/services/credential"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ExpiryBuffer is the safety margin subtracted from a token's stated expiry
// before it is proactively refreshed.
const ExpiryBuffer = 5 * time.Minute

// Manager hands out live OAuth credentials, refreshing near-expiry token
// pairs through the provider on demand. Refresh is lazy only; there is no
// background scheduler.
type Manager struct {
	vault  *credential.Vault
	client ProviderClient
	cfg    *config.Config

	// collapses concurrent refreshes of one (tenant, provider) pair into a
	// single provider round trip
	group singleflight.Group

	now func() time.Time
}

type ManagerParams struct {
	fx.In
	Vault  *credential.Vault
	Client ProviderClient
	Config *config.Config
}

func NewManager(p ManagerParams) *Manager {
	return &Manager{
		vault:  p.Vault,
		client: p.Client,
		cfg:    p.Config,
		now:    time.Now,
	}
}

// LiveCredential returns a usable credential for the tenant, or (nil, nil)
// when the integration is not connected. OAuth token pairs inside the expiry
// buffer are refreshed and persisted before being returned; a failed refresh
// surfaces as a RefreshFailed error, never as a stale token.
func (m *Manager) LiveCredential(ctx context.Context, tenantID string, provider credential.Provider) (credential.Credential, error) {
	cred, err := m.vault.Get(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, nil
	}

	pair, ok := cred.(credential.OAuthTokenPair)
	if !ok {
		// static tokens (ticketing API token, long-lived meta token) are
		// always live
		return cred, nil
	}

	if m.now().Before(pair.Expiry().Add(-ExpiryBuffer)) {
		return cred, nil
	}

	// the refresh outcome is shared across collapsed callers, so the first
	// caller's cancellation must not fail everyone; the provider client's
	// own timeout still bounds the call
	result, err, _ := m.group.Do(tenantID+"/"+string(provider), func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), tenantID, provider, pair)
	})
	if err != nil {
		return nil, err
	}
	return result.(credential.Credential), nil
}

func (m *Manager) refresh(ctx context.Context, tenantID string, provider credential.Provider, pair credential.OAuthTokenPair) (credential.Credential, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
	)

	app, err := m.clientApp(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}

	_, refreshToken := pair.Tokens()
	resp, err := m.client.Refresh(ctx, app.TokenURL, app.ClientID, app.ClientSecret, refreshToken)
	if err != nil {
		zapLog.Warn("provider token refresh failed", zap.Error(err))
		return nil, errutil.RefreshFailed("provider rejected token refresh", errutil.WithErr(err))
	}

	// providers are not required to rotate the refresh token every time
	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	updated := pair.WithTokens(
		resp.AccessToken,
		newRefresh,
		m.now().Add(time.Duration(resp.ExpiresIn)*time.Second),
	)

	if err := m.vault.Put(ctx, tenantID, provider, updated); err != nil {
		zapLog.Error("failed to persist refreshed credential", zap.Error(err))
		return nil, err
	}

	zapLog.Info("oauth credential refreshed")
	return updated, nil
}

// ExchangeCode runs the authorization-code grant after a verified callback
// and seeds the vault with the resulting credential.
func (m *Manager) ExchangeCode(ctx context.Context, tenantID string, provider credential.Provider, code, redirectURI string) (credential.Credential, error) {
	app, err := m.clientApp(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.ExchangeCode(ctx, app.TokenURL, app.ClientID, app.ClientSecret, code, redirectURI)
	if err != nil {
		return nil, errutil.RefreshFailed("authorization code exchange failed", errutil.WithErr(err))
	}

	cred, err := credentialFromTokenResponse(provider, resp, m.now())
	if err != nil {
		return nil, err
	}

	if err := m.vault.Put(ctx, tenantID, provider, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// clientApp resolves the OAuth application to authenticate with: the
// tenant's own registered app from the vault when present, otherwise the
// platform default from configuration.
func (m *Manager) clientApp(ctx context.Context, tenantID string, provider credential.Provider) (config.ProviderApp, error) {
	app, ok := m.cfg.ProviderOAuthApp(string(provider))
	if !ok {
		return config.ProviderApp{}, errutil.Config("provider does not support oauth refresh")
	}

	own, err := m.vault.Get(ctx, tenantID, credential.ProviderOAuthApp)
	if err != nil {
		return config.ProviderApp{}, err
	}
	if registered, ok := own.(credential.OAuthAppCredential); ok && registered.ClientID != "" {
		app.ClientID = registered.ClientID
		app.ClientSecret = registered.ClientSecret
	}

	if app.ClientID == "" {
		return config.ProviderApp{}, errutil.Config("no oauth client configured for provider")
	}
	return app, nil
}

func credentialFromTokenResponse(provider credential.Provider, resp *TokenResponse, now time.Time) (credential.Credential, error) {
	switch provider {
	case credential.ProviderGoogle:
		return credential.GoogleCredential{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		}, nil
	case credential.ProviderMeta:
		return credential.MetaCredential{
			AccessToken: resp.AccessToken,
		}, nil
	default:
		return nil, errutil.Config("provider does not support oauth code exchange")
	}
}
