package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	"github.com/smallbiznis/keyforge/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenPrefix      = "kf_"
	tokenSecretBytes = 32
	bootstrapKeyID   = "key_bootstrap"
	bootstrapSubject = "admin"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  apikeydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	subject := strings.TrimSpace(req.SubjectID)
	if subject == "" {
		return nil, apikeydomain.ErrInvalidSubject
	}
	role := apikeydomain.Role(strings.ToLower(strings.TrimSpace(string(req.Role))))
	if role == "" {
		role = apikeydomain.RoleBuyer
	}
	if !role.Valid() {
		return nil, apikeydomain.ErrInvalidRole
	}

	now := s.clock.Now().UTC()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateToken(keyID)
	if err != nil {
		return nil, err
	}

	token := &apikeydomain.AccessToken{
		ID:        id,
		KeyID:     keyID,
		KeyHash:   hash,
		Name:      name,
		SubjectID: subject,
		Email:     strings.TrimSpace(req.Email),
		Role:      role,
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, token); err != nil {
		return nil, err
	}

	s.log.Info("access token created",
		zap.String("key_id", keyID),
		zap.String("subject_id", subject),
		zap.String("role", string(role)),
	)
	return &apikeydomain.SecretResponse{KeyID: keyID, AccessToken: plain, Role: role}, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	token, err := s.repo.FindByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if token == nil {
		return apikeydomain.ErrNotFound
	}

	now := s.clock.Now().UTC()
	token.IsActive = false
	token.UpdatedAt = now
	if token.ExpiresAt == nil || token.ExpiresAt.After(now) {
		token.ExpiresAt = &now
	}
	return s.repo.Update(ctx, s.db, token)
}

func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apikeydomain.ErrUnauthorized
	}

	token, err := s.repo.FindByHash(ctx, s.db, apikeydomain.HashToken(raw))
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if token == nil || !token.Usable(now) {
		return nil, apikeydomain.ErrUnauthorized
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, token.KeyID, now); err != nil {
		s.log.Warn("failed to record token use", zap.String("key_id", token.KeyID), zap.Error(err))
	}

	return &apikeydomain.Principal{
		KeyID:     token.KeyID,
		SubjectID: token.SubjectID,
		Email:     token.Email,
		Role:      token.Role,
	}, nil
}

func (s *Service) EnsureBootstrap(ctx context.Context, raw, email string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	hash := apikeydomain.HashToken(raw)
	existing, err := s.repo.FindByHash(ctx, s.db, hash)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	// A rotated bootstrap secret replaces the previous one.
	now := s.clock.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		previous, err := s.repo.FindByKeyID(ctx, tx, bootstrapKeyID)
		if err != nil {
			return err
		}
		if previous != nil {
			if err := tx.Exec(`DELETE FROM access_tokens WHERE key_id = ?`, bootstrapKeyID).Error; err != nil {
				return err
			}
		}

		if err := s.repo.Insert(ctx, tx, &apikeydomain.AccessToken{
			ID:        s.genID.Generate(),
			KeyID:     bootstrapKeyID,
			KeyHash:   hash,
			Name:      "bootstrap admin",
			SubjectID: bootstrapSubject,
			Email:     strings.TrimSpace(email),
			Role:      apikeydomain.RoleAdmin,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		s.log.Info("bootstrap admin token registered")
		return nil
	})
}

func toResponse(token *apikeydomain.AccessToken) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:      token.KeyID,
		Name:       token.Name,
		SubjectID:  token.SubjectID,
		Email:      token.Email,
		Role:       token.Role,
		IsActive:   token.IsActive,
		CreatedAt:  token.CreatedAt,
		LastUsedAt: token.LastUsedAt,
		ExpiresAt:  token.ExpiresAt,
	}
}

func generateToken(keyID string) (string, string, error) {
	secret := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	trimmed := strings.ToLower(strings.TrimPrefix(keyID, "key_"))
	plain := fmt.Sprintf("%s%s_%s", tokenPrefix, trimmed, hex.EncodeToString(secret))
	return plain, apikeydomain.HashToken(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}
