package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// AddKeys encrypts and stores keys and raises product stock by the
	// number added, atomically.
	AddKeys(ctx context.Context, req AddKeysRequest) (*AddKeysResult, error)
	// Claim holds up to quantity keys of p for chargeID, reusing holds the
	// same charge already owns. Fewer ids than requested means shortage.
	Claim(ctx context.Context, chargeID string, p Partition, quantity int) ([]snowflake.ID, error)
	// Release frees every hold of chargeID that is not bound to an order item.
	Release(ctx context.Context, tx *gorm.DB, chargeID string) (int64, error)
	Bind(ctx context.Context, tx *gorm.DB, chargeID string, orderID, orderItemID snowflake.ID, keyIDs []snowflake.ID) error
	ListByOrder(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) ([]DigitalKey, error)
	Available(ctx context.Context, p Partition) (int, error)
}

type AddKeysRequest struct {
	ProductID string   `json:"-"`
	Region    string   `json:"region"`
	Keys      []string `json:"keys"`
}

type AddKeysResult struct {
	ProductID snowflake.ID `json:"product_id"`
	Region    string       `json:"region"`
	Added     int          `json:"added"`
	Stock     int          `json:"stock"`
}

const MaxKeysPerUpload = 1000

var (
	ErrInvalidProduct  = errors.New("invalid_product")
	ErrProductNotFound = errors.New("product_not_found")
	ErrNoKeys          = errors.New("no_keys")
	ErrTooManyKeys     = errors.New("too_many_keys")
	ErrRegionMismatch  = errors.New("region_mismatch")
	ErrBindConflict    = errors.New("key_bind_conflict")
	ErrChargeSettled   = errors.New("charge_already_settled")
)
