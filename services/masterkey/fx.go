package masterkey

import "go.uber.org/fx"

var Module = fx.Module("masterkey.module",
	fx.Provide(NewResolver),
)
