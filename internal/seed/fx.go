package seed

import (
	"context"
	"time"

	"github.com/smallbiznis/keyforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("seed",
	fx.Provide(New),
	fx.Invoke(RegisterDemoSeed),
)

const seedTimeout = 2 * time.Minute

func RegisterDemoSeed(lc fx.Lifecycle, cfg config.Config, seeder *Seeder, log *zap.Logger) {
	if !cfg.SeedDemoData {
		return
	}
	if !cfg.IsDevelopment() {
		log.Warn("SEED_DEMO_DATA ignored outside development", zap.String("environment", cfg.Environment))
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
			defer cancel()

			_, err := seeder.Run(ctx)
			return err
		},
	})
}
