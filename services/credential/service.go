package credential

import (
	"context"

	"smallbiznis-integrations/pkg/repository"
	"smallbiznis-integrations/pkg/secretbox"
	"smallbiznis-integrations/services/masterkey"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Vault stores per-(tenant, provider) credentials as encrypted blobs.
// Get never mutates stored state; token refresh is a separate concern.
type Vault struct {
	db   *gorm.DB
	keys *masterkey.Resolver
	repo repository.Repository[IntegrationCredential]
}

type VaultParams struct {
	fx.In
	DB   *gorm.DB
	Keys *masterkey.Resolver
}

func NewVault(p VaultParams) *Vault {
	return &Vault{
		db:   p.DB,
		keys: p.Keys,
		repo: repository.ProvideStore[IntegrationCredential](p.DB),
	}
}

// Get returns the decrypted credential, or (nil, nil) when the tenant has
// not connected the provider. A blob that fails to decrypt or decode is
// treated the same as absence: a corrupted or foreign-key row must not crash
// calling code, it reads as "not configured".
func (v *Vault) Get(ctx context.Context, tenantID string, provider Provider) (Credential, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("tenant_id", tenantID),
		zap.String("provider", string(provider)),
	)

	row, err := v.repo.FindOne(ctx, &IntegrationCredential{
		TenantID: tenantID,
		Provider: string(provider),
	})
	if err != nil {
		zapLog.Error("failed to read credential row", zap.Error(err))
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	key, err := v.keys.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := secretbox.Open(row.EncryptedBlob, key)
	if err != nil {
		zapLog.Warn("stored credential blob failed to decrypt, treating as not configured", zap.Error(err))
		return nil, nil
	}

	cred, err := decodeCredential(plaintext)
	if err != nil {
		zapLog.Warn("stored credential blob failed to decode, treating as not configured", zap.Error(err))
		return nil, nil
	}
	if cred.CredentialProvider() != provider {
		zapLog.Warn("stored credential provider tag mismatch, treating as not configured",
			zap.String("stored_provider", string(cred.CredentialProvider())))
		return nil, nil
	}

	return cred, nil
}

// Put serializes, encrypts and upserts the credential keyed on
// (tenant_id, provider). Replaces any prior value in place.
func (v *Vault) Put(ctx context.Context, tenantID string, provider Provider, cred Credential) error {
	if cred.CredentialProvider() != provider {
		return gorm.ErrInvalidData
	}

	plaintext, err := encodeCredential(cred)
	if err != nil {
		return err
	}

	key, err := v.keys.Resolve(ctx)
	if err != nil {
		return err
	}

	blob, err := secretbox.Seal(plaintext, key)
	if err != nil {
		return err
	}

	row := IntegrationCredential{
		TenantID:      tenantID,
		Provider:      string(provider),
		EncryptedBlob: blob,
	}

	return v.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"encrypted_blob", "updated_at"}),
		}).
		Create(&row).Error
}

// Delete removes the row. Deleting a missing row is not an error.
func (v *Vault) Delete(ctx context.Context, tenantID string, provider Provider) error {
	_, err := v.repo.Delete(ctx, &IntegrationCredential{
		TenantID: tenantID,
		Provider: string(provider),
	})
	return err
}
