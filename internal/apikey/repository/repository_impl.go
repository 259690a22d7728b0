package repository

import (
	"context"
	"time"

	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	"gorm.io/gorm"
)

const tokenColumns = `id, key_id, key_hash, name, subject_id, email, role, is_active, last_used_at, expires_at, created_at, updated_at`

type repo struct{}

func Provide() apikeydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, token *apikeydomain.AccessToken) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO access_tokens (`+tokenColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.KeyID,
		token.KeyHash,
		token.Name,
		token.SubjectID,
		token.Email,
		token.Role,
		token.IsActive,
		token.LastUsedAt,
		token.ExpiresAt,
		token.CreatedAt,
		token.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, token *apikeydomain.AccessToken) error {
	return db.WithContext(ctx).Exec(
		`UPDATE access_tokens
		 SET name = ?, email = ?, role = ?, is_active = ?, expires_at = ?, updated_at = ?
		 WHERE key_id = ?`,
		token.Name,
		token.Email,
		token.Role,
		token.IsActive,
		token.ExpiresAt,
		token.UpdatedAt,
		token.KeyID,
	).Error
}

func (r *repo) FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*apikeydomain.AccessToken, error) {
	return r.findOne(ctx, db, `key_id = ?`, keyID)
}

func (r *repo) FindByHash(ctx context.Context, db *gorm.DB, hash string) (*apikeydomain.AccessToken, error) {
	return r.findOne(ctx, db, `key_hash = ?`, hash)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*apikeydomain.AccessToken, error) {
	var token apikeydomain.AccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT `+tokenColumns+` FROM access_tokens WHERE `+where,
		arg,
	).Scan(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == 0 {
		return nil, nil
	}
	return &token, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]apikeydomain.AccessToken, error) {
	var tokens []apikeydomain.AccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT ` + tokenColumns + ` FROM access_tokens ORDER BY created_at DESC, id DESC`,
	).Scan(&tokens).Error
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *repo) TouchLastUsed(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE access_tokens SET last_used_at = ? WHERE key_id = ?`,
		at,
		keyID,
	).Error
}
