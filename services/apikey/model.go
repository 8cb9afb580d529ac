package apikey

import (
	"time"

	"github.com/lib/pq"
)

// APIKey authenticates machine clients to the platform. Only the one-way
// hash of the secret is persisted; the plaintext is shown to the caller
// exactly once at issue time.
type APIKey struct {
	ID        string         `gorm:"column:id;primaryKey"`
	TenantID  string         `gorm:"column:tenant_id;not null;index"`
	KeyHash   string         `gorm:"column:key_hash;uniqueIndex;not null"` // sha256 hex (BUKAN plaintext)
	Label     string         `gorm:"column:label;not null"`
	Scopes    pq.StringArray `gorm:"column:scopes;type:text[]"` // e.g. {'integrations.read','integrations.connect'}
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (APIKey) TableName() string {
	return "api_keys"
}
