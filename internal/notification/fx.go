package notification

import (
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/internal/notification/domain"
	"github.com/smallbiznis/keyforge/internal/notification/repository"
	"github.com/smallbiznis/keyforge/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(s domain.Service) fulfillmentdomain.Notifier { return s }),
)
