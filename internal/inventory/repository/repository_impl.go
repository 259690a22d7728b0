package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/inventory/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const keyColumns = `id, product_id, region, encrypted_key, claimed, claim_charge_id, claimed_at, order_id, order_item_id, created_at`

func (r *repo) InsertBatch(ctx context.Context, db *gorm.DB, keys []domain.DigitalKey) error {
	for i := range keys {
		k := &keys[i]
		err := db.WithContext(ctx).Exec(
			`INSERT INTO digital_keys (id, product_id, region, encrypted_key, claimed, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			k.ID,
			k.ProductID,
			k.Region,
			k.EncryptedKey,
			false,
			k.CreatedAt,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindClaimable(ctx context.Context, db *gorm.DB, p domain.Partition, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM digital_keys
		 WHERE product_id = ? AND region = ? AND claimed = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		p.ProductID,
		p.Region,
		false,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, keyID snowflake.ID, chargeID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE digital_keys
		 SET claimed = ?, claim_charge_id = ?, claimed_at = ?
		 WHERE id = ? AND claimed = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM processed_events
		     WHERE processed_events.charge_id = ? AND processed_events.order_id IS NOT NULL
		   )`,
		true,
		chargeID,
		now,
		keyID,
		false,
		chargeID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ChargeSettled(ctx context.Context, db *gorm.DB, chargeID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM processed_events WHERE charge_id = ? AND order_id IS NOT NULL`,
		chargeID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) FindUnboundByCharge(ctx context.Context, db *gorm.DB, chargeID string, p domain.Partition) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM digital_keys
		 WHERE claim_charge_id = ? AND product_id = ? AND region = ? AND order_item_id IS NULL
		 ORDER BY id ASC`,
		chargeID,
		p.ProductID,
		p.Region,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ReleaseUnbound(ctx context.Context, db *gorm.DB, chargeID string) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE digital_keys
		 SET claimed = ?, claim_charge_id = NULL, claimed_at = NULL
		 WHERE claim_charge_id = ? AND order_item_id IS NULL`,
		false,
		chargeID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) Bind(ctx context.Context, db *gorm.DB, keyID snowflake.ID, chargeID string, orderID, orderItemID snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE digital_keys
		 SET order_id = ?, order_item_id = ?
		 WHERE id = ? AND claim_charge_id = ? AND order_item_id IS NULL`,
		orderID,
		orderItemID,
		keyID,
		chargeID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.DigitalKey, error) {
	var keys []domain.DigitalKey
	err := db.WithContext(ctx).Raw(
		`SELECT `+keyColumns+` FROM digital_keys WHERE order_id = ? ORDER BY order_item_id ASC, id ASC`,
		orderID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) CountAvailable(ctx context.Context, db *gorm.DB, p domain.Partition) (int, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM digital_keys WHERE product_id = ? AND region = ? AND claimed = ?`,
		p.ProductID,
		p.Region,
		false,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
