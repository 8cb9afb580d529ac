package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/services/apikey"
	"smallbiznis-integrations/services/credential"
	"smallbiznis-integrations/services/oauthstate"
	"smallbiznis-integrations/services/tokenrefresh"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		func(h *Handler) http.Handler { return h.Router() },
	),
)

// Handler is the thin HTTP edge: the OAuth redirect contract plus machine
// authentication. Business routes live elsewhere.
type Handler struct {
	cfg     *config.Config
	state   *oauthstate.Service
	vault   *credential.Vault
	refresh *tokenrefresh.Manager
	keys    *apikey.Service
}

type HandlerParams struct {
	fx.In
	Config  *config.Config
	State   *oauthstate.Service
	Vault   *credential.Vault
	Refresh *tokenrefresh.Manager
	Keys    *apikey.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		cfg:     p.Config,
		state:   p.State,
		vault:   p.Vault,
		refresh: p.Refresh,
		keys:    p.Keys,
	}
}

func (h *Handler) Router() *gin.Engine {
	if h.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// the provider redirects the browser here; no API key on this leg
	r.GET("/integrations/:provider/callback", h.Callback)

	authed := r.Group("/v1", h.APIKeyAuth())
	authed.GET("/integrations/:provider/connect", h.Connect)
	authed.DELETE("/integrations/:provider", h.Disconnect)

	return r
}

// APIKeyAuth authenticates machine callers via Authorization: Bearer or
// X-API-Key. Absence of both is an authentication failure, never an
// anonymous fallback.
func (h *Handler) APIKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			abortJSON(c, errutil.Unauthorized("api key required"))
			return
		}

		tenantID, err := h.keys.ResolveTenant(c.Request.Context(), key)
		if err != nil {
			abortJSON(c, errutil.Internal("api key lookup failed", errutil.WithErr(err)))
			return
		}
		if tenantID == "" {
			abortJSON(c, errutil.Unauthorized("api key invalid"))
			return
		}

		c.Set("tenant_id", tenantID)
		c.Next()
	}
}

// Connect mints a tenant-bound state token and redirects the browser to the
// provider's authorization endpoint.
func (h *Handler) Connect(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := c.GetString("tenant_id")
	provider := credential.Provider(c.Param("provider"))

	app, ok := h.cfg.ProviderOAuthApp(string(provider))
	if !ok || app.AuthURL == "" {
		abortJSON(c, errutil.NotFound("unknown oauth provider"))
		return
	}

	tenantSecret, registered, err := h.tenantApp(ctx, tenantID)
	if err != nil {
		abortJSON(c, err)
		return
	}
	if registered.ClientID != "" {
		app.ClientID = registered.ClientID
	}

	state, err := h.state.MintTenantScoped(ctx, tenantID, tenantSecret)
	if err != nil {
		abortJSON(c, err)
		return
	}

	authURL, err := url.Parse(app.AuthURL)
	if err != nil {
		abortJSON(c, errutil.Config("provider auth url malformed", errutil.WithErr(err)))
		return
	}

	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", app.ClientID)
	q.Set("redirect_uri", h.callbackURL(provider))
	q.Set("scope", app.Scopes)
	q.Set("state", state)
	authURL.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, authURL.String())
}

// Callback verifies the round-tripped state, exchanges the authorization
// code and stores the resulting credential. The browser always ends up on
// the close page; failures travel as an error query parameter, never as a
// rendered exception.
func (h *Handler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	provider := credential.Provider(c.Param("provider"))

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		h.closeRedirect(c, "missing_parameters")
		return
	}

	tenantID, err := h.state.VerifyTenantScoped(ctx, state, h.stateSecretResolver())
	if err != nil {
		zap.L().Warn("oauth callback state rejected", zap.String("provider", string(provider)), zap.Error(err))
		h.closeRedirect(c, "state_invalid")
		return
	}

	if _, err := h.refresh.ExchangeCode(ctx, tenantID, provider, code, h.callbackURL(provider)); err != nil {
		zap.L().Warn("oauth code exchange failed",
			zap.String("tenant_id", tenantID),
			zap.String("provider", string(provider)),
			zap.Error(err))
		h.closeRedirect(c, "exchange_failed")
		return
	}

	h.closeRedirect(c, "")
}

// Disconnect removes the tenant's stored credential for the provider.
func (h *Handler) Disconnect(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	provider := credential.Provider(c.Param("provider"))

	if err := h.vault.Delete(c.Request.Context(), tenantID, provider); err != nil {
		abortJSON(c, errutil.Internal("failed to disconnect integration", errutil.WithErr(err)))
		return
	}
	c.Status(http.StatusNoContent)
}

// stateSecretResolver resolves a claimed tenant id to its registered OAuth
// client secret via the vault. It is handed to VerifyTenantScoped, which
// uses the claimed id only to select key material.
func (h *Handler) stateSecretResolver() oauthstate.SecretResolver {
	return func(ctx context.Context, tenantID string) ([]byte, error) {
		secret, _, err := h.tenantApp(ctx, tenantID)
		return secret, err
	}
}

func (h *Handler) tenantApp(ctx context.Context, tenantID string) ([]byte, credential.OAuthAppCredential, error) {
	cred, err := h.vault.Get(ctx, tenantID, credential.ProviderOAuthApp)
	if err != nil {
		return nil, credential.OAuthAppCredential{}, err
	}
	app, ok := cred.(credential.OAuthAppCredential)
	if !ok || app.ClientSecret == "" {
		return nil, credential.OAuthAppCredential{}, nil
	}
	return []byte(app.ClientSecret), app, nil
}

func (h *Handler) callbackURL(provider credential.Provider) string {
	return strings.TrimRight(h.cfg.OAuth.CallbackBaseURL, "/") + "/integrations/" + string(provider) + "/callback"
}

func (h *Handler) closeRedirect(c *gin.Context, errCode string) {
	target := h.cfg.OAuth.ClosePageURL
	if target == "" {
		target = "/close"
	}
	if errCode != "" {
		u, err := url.Parse(target)
		if err == nil {
			q := u.Query()
			q.Set("error", errCode)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	c.Redirect(http.StatusFound, target)
}

func abortJSON(c *gin.Context, err error) {
	var base errutil.BaseError
	if b, ok := err.(errutil.BaseError); ok {
		base = b
	} else {
		base = errutil.Internal("internal error", errutil.WithErr(err)).(errutil.BaseError)
	}
	c.AbortWithStatusJSON(base.Code.HTTPCode(), base.JSON())
}
