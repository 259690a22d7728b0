package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, token *AccessToken) error
	Update(ctx context.Context, db *gorm.DB, token *AccessToken) error
	FindByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*AccessToken, error)
	FindByHash(ctx context.Context, db *gorm.DB, hash string) (*AccessToken, error)
	List(ctx context.Context, db *gorm.DB) ([]AccessToken, error)
	TouchLastUsed(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error
}

type Service interface {
	List(ctx context.Context) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Revoke(ctx context.Context, keyID string) error
	// Authenticate resolves a raw bearer token to its principal.
	Authenticate(ctx context.Context, raw string) (*Principal, error)
	// EnsureBootstrap registers a configured admin token if it is not
	// already known.
	EnsureBootstrap(ctx context.Context, raw, email string) error
}

type Principal struct {
	KeyID     string `json:"key_id"`
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

type CreateRequest struct {
	Name      string     `json:"name"`
	SubjectID string     `json:"subject_id"`
	Email     string     `json:"email"`
	Role      Role       `json:"role"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type Response struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	SubjectID  string     `json:"subject_id"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type SecretResponse struct {
	KeyID       string `json:"key_id"`
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
}

var (
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidSubject = errors.New("invalid_subject")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidKeyID   = errors.New("invalid_key_id")
	ErrNotFound       = errors.New("not_found")
	ErrUnauthorized   = errors.New("unauthorized")
)
