package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

// ProviderApp holds the platform-default OAuth application registered with an
// external provider. Tenants may register their own app; that override lives
// encrypted in the credential vault, not here.
type ProviderApp struct {
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`
	AuthURL      string `mapstructure:"AUTH_URL"`
	TokenURL     string `mapstructure:"TOKEN_URL"`
	Scopes       string `mapstructure:"SCOPES"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	// SecretAES is the base64-encoded 32-byte master key. When empty the key
	// is resolved from (or bootstrapped into) the app_config table.
	SecretAES string `mapstructure:"SECRET_AES"`
	OAuth     struct {
		// StateSecret signs global-mode redirect state tokens. When empty a
		// signing secret is derived from the master key instead.
		StateSecret     string      `mapstructure:"STATE_SECRET"`
		CallbackBaseURL string      `mapstructure:"CALLBACK_BASE_URL"`
		ClosePageURL    string      `mapstructure:"CLOSE_PAGE_URL"`
		Google          ProviderApp `mapstructure:"GOOGLE"`
		Meta            ProviderApp `mapstructure:"META"`
	} `mapstructure:"OAUTH"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		// START - Vault
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		cfg.SecretAES = get("secret_aes")
		if v := get("oauth_state_secret"); v != "" {
			cfg.OAuth.StateSecret = v
		}
		if v := get("google_client_secret"); v != "" {
			cfg.OAuth.Google.ClientSecret = v
		}
		if v := get("meta_client_secret"); v != "" {
			cfg.OAuth.Meta.ClientSecret = v
		}
		// END - Vault
	}

	return &cfg
}

// ProviderOAuthApp returns the platform default OAuth application for the
// named provider, or false when the provider does not use OAuth at all.
func (c *Config) ProviderOAuthApp(provider string) (ProviderApp, bool) {
	switch provider {
	case "google":
		return c.OAuth.Google, true
	case "meta":
		return c.OAuth.Meta, true
	default:
		return ProviderApp{}, false
	}
}
