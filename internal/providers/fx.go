package providers

import (
	"github.com/smallbiznis/keyforge/internal/providers/email"
	"github.com/smallbiznis/keyforge/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
