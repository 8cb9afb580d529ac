// Package oauthstate mints and verifies the signed state tokens that bind an
// OAuth redirect callback to the tenant that initiated it.
package oauthstate

import (
	"context"
	"crypto/sha256"
	"io"
	"time"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/pkg/secretbox"
	"smallbiznis-integrations/pkg/util"
	"smallbiznis-integrations/services/masterkey"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// Window is how long a minted state token stays valid. Older tokens are
// rejected regardless of signature validity.
const Window = 10 * time.Minute

const derivationInfo = "oauth-state-secret"

// ErrStateInvalid is the single outward error for every verification
// failure: expired, malformed, unknown tenant, signature mismatch. Callers
// must not be able to distinguish "expired" from "forged".
var ErrStateInvalid = errutil.StateInvalid("state token invalid")

// SecretResolver fetches the signing secret for the claimed tenant. It runs
// on an UNVERIFIED tenant id and must only be used to select key material,
// never to branch into tenant-affecting side effects.
type SecretResolver func(ctx context.Context, tenantID string) ([]byte, error)

// usedGuard is the single-use marker backend. *redis.Client satisfies it;
// nil means the guard is off and tokens are bounded by expiry alone.
type usedGuard interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

type Service struct {
	cfg   *config.Config
	keys  *masterkey.Resolver
	guard usedGuard

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	Config *config.Config
	Keys   *masterkey.Resolver
	Redis  *redis.Client `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		cfg:  p.Config,
		keys: p.Keys,
		now:  time.Now,
	}
	if p.Redis != nil {
		s.guard = p.Redis
	}
	return s
}

// MintGlobal issues a state token signed with the process-wide secret.
func (s *Service) MintGlobal(ctx context.Context, tenantID string) (string, error) {
	secret, err := s.globalSecret(ctx)
	if err != nil {
		return "", err
	}
	return s.mint(tenantID, secret)
}

// VerifyGlobal checks a token against the process-wide secret and returns
// the tenant id it was minted for.
func (s *Service) VerifyGlobal(ctx context.Context, token string) (string, error) {
	secret, err := s.globalSecret(ctx)
	if err != nil {
		return "", err
	}
	return s.verify(ctx, token, secret)
}

// MintTenantScoped issues a state token signed with the tenant's own secret
// (typically its registered OAuth client secret). An empty secret falls back
// to the shared global secret, mirroring tenants that never registered one.
func (s *Service) MintTenantScoped(ctx context.Context, tenantID string, secret []byte) (string, error) {
	if len(secret) == 0 {
		return s.MintGlobal(ctx, tenantID)
	}
	return s.mint(tenantID, secret)
}

// VerifyTenantScoped reads the claimed tenant id WITHOUT signature trust,
// resolves that tenant's signing secret through resolve, then performs the
// real verification. A token whose signature does not match the resolved
// secret is rejected even though its claimed tenant id was readable. When
// the resolver reports no tenant secret, the shared global secret applies.
func (s *Service) VerifyTenantScoped(ctx context.Context, token string, resolve SecretResolver) (string, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", ErrStateInvalid
	}

	var unverified jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return "", ErrStateInvalid
	}
	if unverified.Subject == "" {
		return "", ErrStateInvalid
	}

	secret, err := resolve(ctx, unverified.Subject)
	if err != nil {
		zap.L().Warn("state secret resolution failed", zap.Error(err))
		return "", ErrStateInvalid
	}
	if len(secret) == 0 {
		if secret, err = s.globalSecret(ctx); err != nil {
			return "", err
		}
	}

	return s.verify(ctx, token, secret)
}

// signingKey stretches secret material of any length into the fixed HS256
// key size. jose rejects keys shorter than the hash output outright, and
// tenant client secrets come in whatever length the provider issued.
func signingKey(secret []byte) []byte {
	key := make([]byte, secretbox.KeySize)
	// reading one key's worth from an hkdf stream cannot fail
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(derivationInfo)), key)
	return key
}

func (s *Service) mint(tenantID string, secret []byte) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: signingKey(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	claims := jwt.Claims{
		Subject:  tenantID,
		ID:       util.RandomHex(16),
		IssuedAt: jwt.NewNumericDate(s.now()),
	}

	return jwt.Signed(signer).Claims(claims).Serialize()
}

func (s *Service) verify(ctx context.Context, token string, secret []byte) (string, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", ErrStateInvalid
	}

	var claims jwt.Claims
	if err := parsed.Claims(signingKey(secret), &claims); err != nil {
		return "", ErrStateInvalid
	}

	if claims.Subject == "" || claims.IssuedAt == nil {
		return "", ErrStateInvalid
	}
	if s.now().After(claims.IssuedAt.Time().Add(Window)) {
		return "", ErrStateInvalid
	}

	if err := s.markUsed(ctx, claims.ID); err != nil {
		return "", err
	}

	return claims.Subject, nil
}

// markUsed enforces single-use when Redis is configured. The vanilla
// deployment is expiry-only; the guard is the opt-in stronger mode.
func (s *Service) markUsed(ctx context.Context, jti string) error {
	if s.guard == nil || jti == "" {
		return nil
	}

	ok, err := s.guard.SetNX(ctx, "oauth:state:jti:"+jti, 1, Window).Result()
	if err != nil {
		zap.L().Error("state single-use guard unavailable", zap.Error(err))
		return errutil.Internal("state guard unavailable", errutil.WithErr(err))
	}
	if !ok {
		return ErrStateInvalid
	}
	return nil
}

// globalSecret returns the configured state secret, or the master key when
// none is configured. Either way the raw material goes through signingKey
// before it signs or verifies anything.
func (s *Service) globalSecret(ctx context.Context) ([]byte, error) {
	if s.cfg.OAuth.StateSecret != "" {
		return []byte(s.cfg.OAuth.StateSecret), nil
	}
	return s.keys.Resolve(ctx)
}
