package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/config"
	"github.com/smallbiznis/keyforge/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Products productdomain.Service
	Promos   promodomain.Service
	Payments *adapters.Registry
	Config   *config.CheckoutConfigHolder
}

type Service struct {
	log      *zap.Logger
	products productdomain.Service
	promos   promodomain.Service
	payments *adapters.Registry
	config   *config.CheckoutConfigHolder
}

func New(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("checkout.service"),
		products: p.Products,
		promos:   p.Promos,
		payments: p.Payments,
		config:   p.Config,
	}
}

type cartLine struct {
	productID snowflake.ID
	quantity  int
}

// CreateIntent prices the cart, freezes it into the charge metadata and
// opens a provider charge. Nothing is written locally.
func (s *Service) CreateIntent(ctx context.Context, req domain.CreateIntentRequest) (*domain.Intent, error) {
	buyerID := strings.TrimSpace(req.BuyerID)
	if buyerID == "" {
		return nil, domain.ErrInvalidBuyer
	}
	lines, err := mergeLines(req.Items)
	if err != nil {
		return nil, err
	}

	ids := make([]snowflake.ID, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.productID)
	}
	catalog, err := s.products.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	cfg := s.config.Get()
	snap := domain.Snapshot{
		BuyerID:    buyerID,
		BuyerEmail: strings.TrimSpace(req.BuyerEmail),
		Items:      make([]domain.SnapshotItem, 0, len(lines)),
		Currency:   cfg.Currency,
	}
	for _, line := range lines {
		product, ok := catalog[line.productID]
		if !ok || !product.IsActive {
			return nil, &domain.ProductUnavailableError{ProductID: line.productID}
		}
		if product.Stock < line.quantity {
			return nil, &domain.InsufficientStockError{
				ProductID: product.ID,
				Requested: line.quantity,
				Available: product.Stock,
			}
		}

		unit := product.UnitPriceCents()
		snap.Items = append(snap.Items, domain.SnapshotItem{
			ProductID:      product.ID,
			Title:          product.Title,
			Quantity:       line.quantity,
			UnitPriceCents: unit,
			Region:         product.Region,
		})
		snap.SubtotalCents += unit * int64(line.quantity)
	}

	if code := strings.TrimSpace(req.PromoCode); code != "" {
		quote, err := s.promos.Validate(ctx, code, snap.SubtotalCents)
		if err != nil {
			return nil, err
		}
		snap.PromoCode = quote.Code
		snap.DiscountCents = quote.DiscountCents
	}

	snap.TaxCents = decimal.NewFromInt(snap.SubtotalCents).Mul(cfg.TaxRate).Round(0).IntPart()
	snap.TotalCents = domain.Total(snap.SubtotalCents, snap.TaxCents, snap.DiscountCents)

	metadata, err := snap.Metadata()
	if err != nil {
		return nil, err
	}

	provider, err := s.payments.Primary()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
	defer cancel()

	charge, err := provider.CreateCharge(callCtx, paymentdomain.ChargeRequest{
		AmountCents:    snap.TotalCents,
		Currency:       snap.Currency,
		ReceiptEmail:   snap.BuyerEmail,
		Metadata:       metadata,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		var providerErr *paymentdomain.PaymentProviderError
		if !errors.As(err, &providerErr) {
			err = &paymentdomain.PaymentProviderError{Provider: provider.Name(), Op: "create_charge", Err: err}
		}
		s.log.Warn("create charge failed",
			zap.String("buyer_id", buyerID),
			zap.Int64("amount", snap.TotalCents),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("payment intent created",
		zap.String("charge_id", charge.ID),
		zap.String("buyer_id", buyerID),
		zap.Int64("amount", snap.TotalCents),
		zap.Int("lines", len(snap.Items)),
	)
	return &domain.Intent{
		ClientSecret:  charge.ClientSecret,
		ChargeID:      charge.ID,
		AmountCents:   snap.TotalCents,
		Currency:      snap.Currency,
		SubtotalCents: snap.SubtotalCents,
		DiscountCents: snap.DiscountCents,
		TaxCents:      snap.TaxCents,
	}, nil
}

func mergeLines(items []domain.CartItemRequest) ([]cartLine, error) {
	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}
	if len(items) > domain.MaxCartLines {
		return nil, domain.ErrTooManyItems
	}

	index := make(map[snowflake.ID]int, len(items))
	lines := make([]cartLine, 0, len(items))
	for _, item := range items {
		id, err := snowflake.ParseString(strings.TrimSpace(item.ProductID))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidProductID, item.ProductID)
		}
		if item.Quantity < 1 {
			return nil, domain.ErrInvalidQuantity
		}
		if i, ok := index[id]; ok {
			lines[i].quantity += item.Quantity
			continue
		}
		index[id] = len(lines)
		lines = append(lines, cartLine{productID: id, quantity: item.Quantity})
	}
	return lines, nil
}
