package adapters

import (
	"testing"

	"github.com/smallbiznis/keyforge/internal/payment/adapters/stripe"
	"github.com/smallbiznis/keyforge/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	adapter, err := stripe.New(stripe.Config{WebhookSecret: "whsec_test"})
	require.NoError(t, err)

	registry := NewRegistry(nil, adapter)

	got, err := registry.Get(" Stripe ")
	require.NoError(t, err)
	assert.Equal(t, "stripe", got.Name())

	primary, err := registry.Primary()
	require.NoError(t, err)
	assert.Equal(t, "stripe", primary.Name())

	_, err = registry.Get("adyen")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	_, err = registry.Get("")
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)

	var empty *Registry
	_, err = empty.Primary()
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}
