package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
)

// PaymentProviderError reports a failed or timed out call to the gateway.
type PaymentProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *PaymentProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment provider %s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment provider %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *PaymentProviderError) Unwrap() error { return e.Err }
