package payment

import (
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/config"
	"github.com/smallbiznis/keyforge/internal/payment/adapters"
	"github.com/smallbiznis/keyforge/internal/payment/adapters/stripe"
	"github.com/smallbiznis/keyforge/internal/payment/domain"
	"github.com/smallbiznis/keyforge/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(NewRegistry),
	fx.Provide(webhook.NewService),
)

// NewRegistry registers every gateway with usable credentials.
func NewRegistry(cfg config.Config, clk clock.Clock, log *zap.Logger) *adapters.Registry {
	var providers []domain.Provider

	sa, err := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey.Reveal(),
		WebhookSecret: cfg.Stripe.WebhookSecret.Reveal(),
		APIBase:       cfg.Stripe.APIBase,
		Clock:         clk,
	})
	if err != nil {
		log.Warn("stripe provider disabled", zap.Error(err))
	} else {
		providers = append(providers, sa)
	}

	return adapters.NewRegistry(providers...)
}
