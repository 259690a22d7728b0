package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/config"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	"github.com/smallbiznis/keyforge/internal/migration"
	"github.com/smallbiznis/keyforge/internal/observability"
	"github.com/smallbiznis/keyforge/internal/scheduler"
	"github.com/smallbiznis/keyforge/internal/seed"
	"github.com/smallbiznis/keyforge/internal/server"
	"github.com/smallbiznis/keyforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		keyvault.Module,

		// HTTP surface and the domains behind it
		server.Module,

		// Background recovery
		scheduler.Module,

		// Development catalog
		seed.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
