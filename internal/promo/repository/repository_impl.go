package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/keyforge/internal/promo/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const promoColumns = `id, code, description, discount_type, discount_value, min_purchase_cents, max_discount_cents,
	valid_from, valid_until, usage_limit, used_count, is_active, created_at, updated_at`

func (r *repo) Create(ctx context.Context, db *gorm.DB, p *domain.PromoCode) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO promo_codes (`+promoColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Code,
		p.Description,
		p.DiscountType,
		p.DiscountValue,
		p.MinPurchaseCents,
		p.MaxDiscountCents,
		p.ValidFrom,
		p.ValidUntil,
		p.UsageLimit,
		p.UsedCount,
		p.IsActive,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.PromoCode, error) {
	var p domain.PromoCode
	err := db.WithContext(ctx).Raw(
		`SELECT `+promoColumns+` FROM promo_codes WHERE code = ?`,
		code,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.PromoCode, error) {
	var items []domain.PromoCode
	err := db.WithContext(ctx).Raw(
		`SELECT ` + promoColumns + ` FROM promo_codes ORDER BY created_at DESC, id DESC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, code string, active bool, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE promo_codes SET is_active = ?, updated_at = ? WHERE code = ?`,
		active,
		now,
		code,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, code string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE promo_codes
		 SET used_count = used_count + 1, updated_at = ?
		 WHERE code = ? AND (usage_limit IS NULL OR used_count < usage_limit)`,
		now,
		code,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
