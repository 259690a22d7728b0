package observability

import (
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/smallbiznis/keyforge/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string `env:"DEPLOYMENT_ENV"`
	Version     string `env:"SERVICE_VERSION"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	OtelEnabled          bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterProtocol string  `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OtelSamplingRatio    float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"0.1"`
}

func LoadConfig(cfg config.Config) (Config, error) {
	var out Config
	if err := env.Parse(&out); err != nil {
		return Config{}, err
	}

	out.ServiceName = strings.TrimSpace(cfg.AppName)
	if out.ServiceName == "" {
		out.ServiceName = "keyforge"
	}
	if strings.TrimSpace(out.Environment) == "" {
		out.Environment = cfg.Environment
	}
	if strings.TrimSpace(out.Version) == "" {
		out.Version = cfg.AppVersion
	}
	if strings.TrimSpace(out.OtelExporterEndpoint) == "" {
		out.OtelExporterEndpoint = cfg.OTLPEndpoint
	}
	out.LogLevel = strings.ToLower(strings.TrimSpace(out.LogLevel))
	out.LogFormat = strings.ToLower(strings.TrimSpace(out.LogFormat))
	out.OtelExporterProtocol = strings.ToLower(strings.TrimSpace(out.OtelExporterProtocol))
	return out, nil
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
