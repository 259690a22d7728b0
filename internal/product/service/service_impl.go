package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keyforge/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("product.service"),
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Product, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.ErrInvalidTitle
	}
	if req.PriceCents < 0 {
		return nil, domain.ErrInvalidPrice
	}
	if req.DiscountPercent.IsNegative() || req.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, domain.ErrInvalidDiscount
	}

	productType := domain.ProductType(strings.ToUpper(strings.TrimSpace(string(req.Type))))
	switch productType {
	case "":
		productType = domain.ProductTypeGame
	case domain.ProductTypeGame, domain.ProductTypeGiftCard:
	default:
		return nil, domain.ErrInvalidType
	}

	region := strings.TrimSpace(req.Region)
	if region == "" {
		region = domain.DefaultRegion
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	id := s.genID.Generate()
	now := time.Now().UTC()
	p := &domain.Product{
		ID:              id,
		Slug:            slug.Make(title) + "-" + id.Base36(),
		Title:           title,
		PriceCents:      req.PriceCents,
		DiscountPercent: req.DiscountPercent,
		Stock:           0,
		Region:          region,
		Type:            productType,
		Platform:        strings.TrimSpace(req.Platform),
		IsActive:        active,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, s.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Product, error) {
	productID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || productID <= 0 {
		return nil, domain.ErrInvalidID
	}

	item, err := s.repo.FindByID(ctx, s.db, productID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) ([]domain.Product, error) {
	req.Region = strings.TrimSpace(req.Region)
	return s.repo.List(ctx, s.db, req)
}

func (s *Service) Lookup(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]domain.Product, error) {
	items, err := s.repo.FindByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]domain.Product, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out, nil
}
