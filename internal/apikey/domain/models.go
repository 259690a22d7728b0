package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Role string

const (
	RoleBuyer Role = "buyer"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleAdmin
}

// AccessToken binds a hashed bearer token to the buyer or admin it
// authenticates. The plaintext token is never stored.
type AccessToken struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	KeyID      string       `gorm:"column:key_id;type:text;not null;uniqueIndex"`
	KeyHash    string       `gorm:"column:key_hash;type:text;not null;uniqueIndex"`
	Name       string       `gorm:"type:text;not null"`
	SubjectID  string       `gorm:"column:subject_id;type:text;not null"`
	Email      string       `gorm:"type:text;not null"`
	Role       Role         `gorm:"type:text;not null"`
	IsActive   bool         `gorm:"column:is_active;not null;default:true"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AccessToken) TableName() string { return "access_tokens" }

func (t *AccessToken) Usable(now time.Time) bool {
	return t.IsActive && (t.ExpiresAt == nil || now.Before(*t.ExpiresAt))
}

// HashToken hashes a raw bearer token the same way at creation and lookup.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
