package fulfillment

import (
	"github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/internal/fulfillment/repository"
	"github.com/smallbiznis/keyforge/internal/fulfillment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fulfillment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(registerDrain),
)

func registerDrain(lc fx.Lifecycle, svc domain.Service) {
	s, ok := svc.(*service.Service)
	if !ok {
		return
	}
	lc.Append(fx.Hook{OnStop: s.Drain})
}
