package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-integrations/internal/httpapi"
	"smallbiznis-integrations/internal/server"
	"smallbiznis-integrations/pkg/config"
	"smallbiznis-integrations/pkg/db"
	"smallbiznis-integrations/pkg/gen"
	"smallbiznis-integrations/pkg/logger"
	"smallbiznis-integrations/pkg/redis"
	"smallbiznis-integrations/services/apikey"
	"smallbiznis-integrations/services/credential"
	"smallbiznis-integrations/services/masterkey"
	"smallbiznis-integrations/services/oauthstate"
	"smallbiznis-integrations/services/tokenrefresh"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,

		masterkey.Module,
		credential.Module,
		oauthstate.Module,
		tokenrefresh.Module,
		apikey.Module,
		httpapi.Module,

		fx.Provide(server.ProvideHTTPServer),
		fx.Invoke(
			db.RegisterConnectionPool,
			migrate,
			db.Otel,
			server.Run,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&masterkey.AppConfig{},
		&credential.IntegrationCredential{},
		&apikey.APIKey{},
	)
}
