package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CheckoutConfig carries pricing settings applied when quoting a cart.
type CheckoutConfig struct {
	TaxRate         decimal.Decimal
	Currency        string
	ProviderTimeout time.Duration
}

type rawCheckoutConfig struct {
	TaxRate         string        `mapstructure:"taxRate"`
	Currency        string        `mapstructure:"currency"`
	ProviderTimeout time.Duration `mapstructure:"providerTimeout"`
}

func DefaultCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		TaxRate:         decimal.RequireFromString("0.10"),
		Currency:        "usd",
		ProviderTimeout: 10 * time.Second,
	}
}

type CheckoutConfigHolder struct {
	current atomic.Value // holds CheckoutConfig
}

// NewStaticCheckoutConfigHolder returns a holder that never reloads.
func NewStaticCheckoutConfigHolder(cfg CheckoutConfig) *CheckoutConfigHolder {
	holder := &CheckoutConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCheckoutConfigHolder(log *zap.Logger) (*CheckoutConfigHolder, error) {
	log = log.Named("config.checkout")
	v := viper.New()

	v.SetConfigName("checkout")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/keyforge")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KEYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCheckoutConfig()
	v.SetDefault("checkout.taxRate", defaults.TaxRate.String())
	v.SetDefault("checkout.currency", defaults.Currency)
	v.SetDefault("checkout.providerTimeout", defaults.ProviderTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeCheckoutConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCheckoutConfigHolder(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeCheckoutConfig(v)
			if err != nil {
				log.Warn("checkout config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("checkout config reloaded", zap.String("file", e.Name), zap.String("tax_rate", updated.TaxRate.String()))
		})
	}

	return holder, nil
}

func (h *CheckoutConfigHolder) Get() CheckoutConfig {
	return h.current.Load().(CheckoutConfig)
}

func decodeCheckoutConfig(v *viper.Viper) (CheckoutConfig, error) {
	var raw rawCheckoutConfig
	if err := v.UnmarshalKey("checkout", &raw); err != nil {
		return CheckoutConfig{}, err
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(raw.TaxRate))
	if err != nil {
		return CheckoutConfig{}, fmt.Errorf("checkout.taxRate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return CheckoutConfig{}, errors.New("checkout.taxRate must be between 0 and 1")
	}

	currency := strings.ToLower(strings.TrimSpace(raw.Currency))
	if len(currency) != 3 {
		return CheckoutConfig{}, errors.New("checkout.currency must be an ISO 4217 code")
	}

	timeout := raw.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultCheckoutConfig().ProviderTimeout
	}

	return CheckoutConfig{
		TaxRate:         rate,
		Currency:        currency,
		ProviderTimeout: timeout,
	}, nil
}
