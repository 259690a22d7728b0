package product

import (
	"github.com/smallbiznis/keyforge/internal/product/repository"
	"github.com/smallbiznis/keyforge/internal/product/service"
	"go.uber.org/fx"
)

var Module = fx.Module("product.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
