package oauthstate

import "go.uber.org/fx"

var Module = fx.Module("oauthstate.module",
	fx.Provide(NewService),
)
