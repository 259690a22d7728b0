package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) MarkDelivered(ctx context.Context, db *gorm.DB, orderID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET keys_delivered = TRUE, keys_delivered_at = ?, last_notify_error = '', updated_at = ?
		 WHERE id = ?`,
		now,
		now,
		orderID,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, orderID snowflake.ID, lastError string, now time.Time) (int, error) {
	err := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET notify_attempts = notify_attempts + 1, last_notify_error = ?, updated_at = ?
		 WHERE id = ?`,
		lastError,
		now,
		orderID,
	).Error
	if err != nil {
		return 0, err
	}

	var attempts int
	err = db.WithContext(ctx).Raw(
		`SELECT notify_attempts FROM orders WHERE id = ?`,
		orderID,
	).Scan(&attempts).Error
	return attempts, err
}

func (r *repo) SetEventState(ctx context.Context, db *gorm.DB, chargeID string, orderID snowflake.ID, state string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_events SET state = ?, updated_at = ?
		 WHERE charge_id = ? AND order_id = ?`,
		state,
		now,
		chargeID,
		orderID,
	).Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, before time.Time, maxAttempts, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM orders
		 WHERE status = ? AND keys_delivered = ?
		   AND notify_attempts < ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		"completed",
		false,
		maxAttempts,
		before,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ClaimRetry(ctx context.Context, db *gorm.DB, orderID snowflake.ID, before time.Time, maxAttempts int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders SET updated_at = ?
		 WHERE id = ? AND status = ? AND keys_delivered = ?
		   AND notify_attempts < ? AND updated_at < ?`,
		now,
		orderID,
		"completed",
		false,
		maxAttempts,
		before,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
