package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/pkg/repository"
	"smallbiznis-integrations/pkg/util"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// keyPrefix makes leaked keys grep-able in logs and secret scanners.
const keyPrefix = "sbik_live_"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[APIKey]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[APIKey](p.DB),
	}
}

// hashKey is deliberately deterministic (plain sha256) so presented keys can
// be resolved by hash equality. The key itself carries the entropy.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Issue generates a new high-entropy key for the tenant and returns the
// plaintext exactly once. Only the hash is stored.
func (s *Service) Issue(ctx context.Context, tenantID, label string, scopes ...string) (string, *APIKey, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", nil, errutil.BadRequest("tenant id is required")
	}

	plaintext := keyPrefix + util.RandomHex(32)

	record := &APIKey{
		ID:       s.node.Generate().String(),
		TenantID: tenantID,
		KeyHash:  hashKey(plaintext),
		Label:    label,
		Scopes:   scopes,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		zap.L().Error("failed to persist api key", zap.String("tenant_id", tenantID), zap.Error(err))
		return "", nil, err
	}

	return plaintext, record, nil
}

// ResolveTenant maps a presented key back to its owning tenant. A revoked
// key and a key that never existed are indistinguishable: both are absent.
func (s *Service) ResolveTenant(ctx context.Context, presented string) (string, error) {
	if strings.TrimSpace(presented) == "" {
		return "", nil
	}

	record, err := s.repo.FindOne(ctx, &APIKey{KeyHash: hashKey(presented)})
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", nil
	}
	return record.TenantID, nil
}

// Revoke hard-deletes the key; subsequent ResolveTenant calls fail closed.
func (s *Service) Revoke(ctx context.Context, tenantID, keyID string) error {
	affected, err := s.repo.Delete(ctx, &APIKey{ID: keyID, TenantID: tenantID})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errutil.NotFound("api key not found")
	}
	return nil
}

// List returns the tenant's key metadata. Hashes are metadata too: they
// cannot be inverted into plaintext keys.
func (s *Service) List(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return s.repo.Find(ctx, &APIKey{TenantID: tenantID})
}
