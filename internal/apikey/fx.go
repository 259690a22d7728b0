package apikey

import (
	"context"

	"github.com/smallbiznis/keyforge/internal/apikey/domain"
	"github.com/smallbiznis/keyforge/internal/apikey/repository"
	"github.com/smallbiznis/keyforge/internal/apikey/service"
	"github.com/smallbiznis/keyforge/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerBootstrap),
)

func registerBootstrap(lc fx.Lifecycle, cfg config.Config, svc domain.Service) {
	if cfg.BootstrapAdminToken == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.EnsureBootstrap(ctx, cfg.BootstrapAdminToken.Reveal(), cfg.BootstrapAdminEmail)
		},
	})
}
