package tokenrefresh

import "go.uber.org/fx"

var Module = fx.Module("tokenrefresh.module",
	fx.Provide(
		func() ProviderClient { return NewHTTPProviderClient(nil) },
		NewManager,
	),
)
