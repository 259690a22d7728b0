package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/observability/metrics"
	"github.com/smallbiznis/keyforge/internal/promo/domain"
	"github.com/smallbiznis/keyforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("promo.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) Validate(ctx context.Context, code string, subtotalCents int64) (*domain.Quote, error) {
	code = domain.NormalizeCode(code)
	if code == "" {
		return nil, domain.Reject(code, domain.ReasonNotFound)
	}

	promo, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if promo == nil {
		return nil, domain.Reject(code, domain.ReasonNotFound)
	}
	if err := promo.Check(s.clock.Now(), subtotalCents); err != nil {
		return nil, err
	}

	return &domain.Quote{
		Code:          promo.Code,
		DiscountCents: promo.DiscountFor(subtotalCents),
	}, nil
}

func (s *Service) CommitRedemption(ctx context.Context, tx *gorm.DB, code string) error {
	if tx == nil {
		tx = s.db
	}
	code = domain.NormalizeCode(code)

	ok, err := s.repo.IncrementUsage(ctx, tx, code, s.clock.Now())
	if err != nil {
		s.metrics.RecordPromoRedemption(ctx, "error")
		return err
	}
	if ok {
		s.metrics.RecordPromoRedemption(ctx, "committed")
		return nil
	}

	s.metrics.RecordPromoRedemption(ctx, "rejected")
	existing, err := s.repo.FindByCode(ctx, tx, code)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.Reject(code, domain.ReasonNotFound)
	}
	return domain.Reject(code, domain.ReasonUsageLimitReached)
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.PromoCode, error) {
	code := domain.NormalizeCode(req.Code)
	if code == "" || len(code) > 64 {
		return nil, domain.ErrInvalidCode
	}

	switch req.DiscountType {
	case domain.DiscountPercentage:
		if !req.DiscountValue.IsPositive() || req.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return nil, domain.ErrInvalidValue
		}
	case domain.DiscountFixed:
		if !req.DiscountValue.IsPositive() {
			return nil, domain.ErrInvalidValue
		}
	default:
		return nil, domain.ErrInvalidDiscountType
	}
	if req.MinPurchaseCents < 0 || (req.MaxDiscountCents != nil && *req.MaxDiscountCents < 0) {
		return nil, domain.ErrInvalidValue
	}
	if req.UsageLimit != nil && *req.UsageLimit < 0 {
		return nil, domain.ErrInvalidUsageLimit
	}

	now := s.clock.Now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if req.ValidUntil != nil {
		until := req.ValidUntil.UTC()
		if !until.After(validFrom) {
			return nil, domain.ErrInvalidWindow
		}
		validUntil = &until
	}

	promo := &domain.PromoCode{
		ID:               s.genID.Generate(),
		Code:             code,
		Description:      strings.TrimSpace(req.Description),
		DiscountType:     req.DiscountType,
		DiscountValue:    req.DiscountValue,
		MinPurchaseCents: req.MinPurchaseCents,
		MaxDiscountCents: req.MaxDiscountCents,
		ValidFrom:        validFrom,
		ValidUntil:       validUntil,
		UsageLimit:       req.UsageLimit,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, s.db, promo); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrCodeExists
		}
		return nil, err
	}

	s.log.Info("promo code created", zap.String("code", promo.Code), zap.String("discount_type", string(promo.DiscountType)))
	return promo, nil
}

func (s *Service) List(ctx context.Context) ([]domain.PromoCode, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) Deactivate(ctx context.Context, code string) error {
	code = domain.NormalizeCode(code)
	ok, err := s.repo.SetActive(ctx, s.db, code, false, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}
