package keyvault

import (
	"github.com/smallbiznis/keyforge/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("keyvault",
	fx.Provide(
		func(cfg config.Config) (*Vault, error) {
			return New([]byte(cfg.KeyVaultSecret.Reveal()))
		},
		func(v *Vault) Cipher { return v },
	),
)
