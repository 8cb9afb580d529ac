package masterkey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/errutil"
	"smallbiznis-integrations/pkg/repository"
	"smallbiznis-integrations/pkg/secretbox"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigKeyName is the app_config row that holds the generated master key.
const ConfigKeyName = "integration_master_key"

// Resolver resolves the deployment master key: configuration first, then the
// app_config table, generating and persisting a fresh key exactly once when
// neither exists. The resolved key is cached for the life of the process;
// durable truth stays in the store.
type Resolver struct {
	db     *gorm.DB
	cfg    *config.Config
	repo   repository.Repository[AppConfig]
	mu     sync.Mutex
	cached []byte
}

type ResolverParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewResolver(p ResolverParams) *Resolver {
	return &Resolver{
		db:   p.DB,
		cfg:  p.Config,
		repo: repository.ProvideStore[AppConfig](p.DB),
	}
}

// Resolve returns the 32-byte master key. The cache mutex is never held
// across a store round trip: racing resolvers each hit the store, and the
// first-writer-wins upsert guarantees they all cache the identical key.
func (r *Resolver) Resolve(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	key, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cached = key
	r.mu.Unlock()
	return key, nil
}

func (r *Resolver) resolve(ctx context.Context) ([]byte, error) {
	if r.cfg.SecretAES != "" {
		key, err := decodeKey(r.cfg.SecretAES)
		if err != nil {
			return nil, errutil.Config("configured master key is malformed", errutil.WithErr(err))
		}
		return key, nil
	}

	row, err := r.repo.FindOne(ctx, &AppConfig{Key: ConfigKeyName})
	if err != nil {
		return nil, err
	}

	if row == nil {
		stored, err := r.generateAndPersist(ctx)
		if err != nil {
			return nil, err
		}
		row = stored
	}

	key, err := decodeKey(row.Value)
	if err != nil {
		return nil, errutil.Config("stored master key is malformed", errutil.WithErr(err))
	}
	return key, nil
}

// generateAndPersist writes a fresh random key with an insert-or-do-nothing
// upsert, then re-reads. Concurrent first writers converge on whichever
// value won the insert; this process never trusts its own candidate.
func (r *Resolver) generateAndPersist(ctx context.Context) (*AppConfig, error) {
	fresh := make([]byte, secretbox.KeySize)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return nil, errutil.Internal("master key generation failed", errutil.WithErr(err))
	}

	candidate := AppConfig{
		Key:   ConfigKeyName,
		Value: base64.StdEncoding.EncodeToString(fresh),
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(&candidate).Error; err != nil {
		return nil, err
	}

	stored, err := r.repo.FindOne(ctx, &AppConfig{Key: ConfigKeyName})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errutil.Internal("master key vanished after bootstrap write")
	}

	zap.L().Info("master key bootstrapped", zap.String("config_key", ConfigKeyName))
	return stored, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(key) != secretbox.KeySize {
		return nil, secretbox.ErrInvalidKey
	}
	return key, nil
}
