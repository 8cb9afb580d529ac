package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Provider names the closed set of third-party systems a tenant can connect.
type Provider string

const (
	// ProviderTicketing is the ticketing platform (static API token).
	ProviderTicketing Provider = "ticketing"
	// ProviderGoogle covers the calendar/drive/mail integration
	// (OAuth access/refresh pair).
	ProviderGoogle Provider = "google"
	// ProviderMeta is the social-publishing integration (long-lived token).
	ProviderMeta Provider = "meta"
	// ProviderOAuthApp holds a tenant's own registered OAuth application;
	// its client secret doubles as the tenant-scoped state signing material.
	ProviderOAuthApp Provider = "oauth_app"
)

// Credential is the tagged union of per-provider secret shapes. Every
// deserialization site dispatches exhaustively on the provider tag so a
// Meta-shaped payload can never be read as a Google-shaped one.
type Credential interface {
	CredentialProvider() Provider
}

// OAuthTokenPair is implemented by credentials that hold a refreshable
// OAuth access/refresh token pair.
type OAuthTokenPair interface {
	Credential
	Tokens() (access, refresh string)
	Expiry() time.Time
	// WithTokens returns a copy carrying the renewed token set.
	WithTokens(access, refresh string, expiresAt time.Time) Credential
}

type TicketingCredential struct {
	OrganizerID string `json:"organizer_id"`
	APIToken    string `json:"api_token"`
}

func (TicketingCredential) CredentialProvider() Provider { return ProviderTicketing }

type GoogleCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Email        string    `json:"email,omitempty"`
}

func (GoogleCredential) CredentialProvider() Provider { return ProviderGoogle }

func (c GoogleCredential) Tokens() (string, string) { return c.AccessToken, c.RefreshToken }

func (c GoogleCredential) Expiry() time.Time { return c.ExpiresAt }

func (c GoogleCredential) WithTokens(access, refresh string, expiresAt time.Time) Credential {
	c.AccessToken = access
	c.RefreshToken = refresh
	c.ExpiresAt = expiresAt
	return c
}

type MetaCredential struct {
	AccessToken string `json:"access_token"`
	IGUserID    string `json:"ig_user_id"`
	IGUsername  string `json:"ig_username,omitempty"`
}

func (MetaCredential) CredentialProvider() Provider { return ProviderMeta }

type OAuthAppCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (OAuthAppCredential) CredentialProvider() Provider { return ProviderOAuthApp }

// envelope wraps every plaintext payload with its provider tag before
// encryption so decode can dispatch without trusting the row key alone.
type envelope struct {
	Provider Provider        `json:"provider"`
	Data     json.RawMessage `json:"data"`
}

func encodeCredential(cred Credential) ([]byte, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Provider: cred.CredentialProvider(), Data: data})
}

func decodeCredential(raw []byte) (Credential, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Provider {
	case ProviderTicketing:
		var c TicketingCredential
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ProviderGoogle:
		var c GoogleCredential
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ProviderMeta:
		var c MetaCredential
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ProviderOAuthApp:
		var c OAuthAppCredential
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown credential provider %q", env.Provider)
	}
}

// IntegrationCredential is the encrypted-at-rest row. Exactly one row may
// exist per (tenant, provider); writes are upserts on that pair.
type IntegrationCredential struct {
	TenantID      string    `gorm:"column:tenant_id;primaryKey"`
	Provider      string    `gorm:"column:provider;primaryKey"`
	EncryptedBlob string    `gorm:"column:encrypted_blob;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (IntegrationCredential) TableName() string {
	return "integration_credentials"
}
