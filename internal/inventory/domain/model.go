package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DigitalKey is one pre-provisioned secret. A key is available while
// Claimed is false, provisionally held while ClaimChargeID is set without
// an order item, and permanently sold once OrderItemID is set.
type DigitalKey struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	ProductID     snowflake.ID  `json:"product_id" gorm:"column:product_id"`
	Region        string        `json:"region" gorm:"column:region"`
	EncryptedKey  string        `json:"-" gorm:"column:encrypted_key"`
	Claimed       bool          `json:"claimed" gorm:"column:claimed"`
	ClaimChargeID *string       `json:"claim_charge_id,omitempty" gorm:"column:claim_charge_id"`
	ClaimedAt     *time.Time    `json:"claimed_at,omitempty" gorm:"column:claimed_at"`
	OrderID       *snowflake.ID `json:"order_id,omitempty" gorm:"column:order_id"`
	OrderItemID   *snowflake.ID `json:"order_item_id,omitempty" gorm:"column:order_item_id"`
	CreatedAt     time.Time     `json:"created_at" gorm:"column:created_at"`
}

func (DigitalKey) TableName() string { return "digital_keys" }

// Partition identifies the pool a line item draws keys from.
type Partition struct {
	ProductID snowflake.ID
	Region    string
}
