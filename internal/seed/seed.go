package seed

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keyforge/internal/clock"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyBodyLength = 20
)

type demoProduct struct {
	Title      string
	PriceCents int64
	Type       productdomain.ProductType
	Platform   string
	Keys       int
}

var demoProducts = []demoProduct{
	{"Cyberpunk 2077", 5999, productdomain.ProductTypeGame, "PC", 50},
	{"The Witcher 3: Wild Hunt", 3999, productdomain.ProductTypeGame, "PC", 100},
	{"Steam Gift Card $50", 5000, productdomain.ProductTypeGiftCard, "Steam", 200},
	{"PlayStation Store Gift Card $25", 2500, productdomain.ProductTypeGiftCard, "PlayStation", 150},
	{"Call of Duty: Modern Warfare", 6999, productdomain.ProductTypeGame, "PlayStation", 75},
	{"Xbox Game Pass Ultimate 1 Month", 1499, productdomain.ProductTypeGiftCard, "Xbox", 300},
	{"Elden Ring", 5999, productdomain.ProductTypeGame, "PC", 80},
	{"Apple App Store Gift Card $100", 10000, productdomain.ProductTypeGiftCard, "Mobile", 100},
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Products  productdomain.Service
	Inventory inventorydomain.Service
	Promos    promodomain.Service
}

// Seeder fills an empty catalog with demo products, keys and promo codes.
type Seeder struct {
	log       *zap.Logger
	clock     clock.Clock
	products  productdomain.Service
	inventory inventorydomain.Service
	promos    promodomain.Service
}

func New(p Params) *Seeder {
	return &Seeder{
		log:       p.Log.Named("seed"),
		clock:     p.Clock,
		products:  p.Products,
		inventory: p.Inventory,
		promos:    p.Promos,
	}
}

type Result struct {
	Products int
	Keys     int
	Promos   int
	Skipped  bool
}

// Run is a no-op when any product exists.
func (s *Seeder) Run(ctx context.Context) (Result, error) {
	existing, err := s.products.List(ctx, productdomain.ListRequest{})
	if err != nil {
		return Result{}, err
	}
	if len(existing) > 0 {
		s.log.Info("catalog already populated, skipping seed", zap.Int("products", len(existing)))
		return Result{Skipped: true}, nil
	}

	var res Result
	for _, item := range demoProducts {
		product, err := s.products.Create(ctx, productdomain.CreateRequest{
			Title:      item.Title,
			PriceCents: item.PriceCents,
			Region:     productdomain.DefaultRegion,
			Type:       item.Type,
			Platform:   item.Platform,
		})
		if err != nil {
			return res, fmt.Errorf("create product %q: %w", item.Title, err)
		}
		res.Products++

		added, err := s.addKeys(ctx, product, item.Keys)
		res.Keys += added
		if err != nil {
			return res, err
		}
	}

	for _, req := range s.demoPromos() {
		_, err := s.promos.Create(ctx, req)
		if errors.Is(err, promodomain.ErrCodeExists) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("create promo %s: %w", req.Code, err)
		}
		res.Promos++
	}

	s.log.Info("seeded demo catalog",
		zap.Int("products", res.Products),
		zap.Int("keys", res.Keys),
		zap.Int("promos", res.Promos),
	)
	return res, nil
}

func (s *Seeder) addKeys(ctx context.Context, product *productdomain.Product, count int) (int, error) {
	prefix := "GC-"
	if product.Type == productdomain.ProductTypeGame {
		prefix = "GAME-"
	}

	added := 0
	for added < count {
		batch := min(count-added, inventorydomain.MaxKeysPerUpload)
		keys := make([]string, 0, batch)
		for range batch {
			key, err := GenerateKey(prefix)
			if err != nil {
				return added, err
			}
			keys = append(keys, key)
		}

		result, err := s.inventory.AddKeys(ctx, inventorydomain.AddKeysRequest{
			ProductID: product.ID.String(),
			Region:    product.Region,
			Keys:      keys,
		})
		if err != nil {
			return added, fmt.Errorf("add keys to %s: %w", product.ID, err)
		}
		if result.Added == 0 {
			return added, fmt.Errorf("add keys to %s: nothing stored", product.ID)
		}
		added += result.Added
	}
	return added, nil
}

func (s *Seeder) demoPromos() []promodomain.CreateRequest {
	now := s.clock.Now()
	year := now.AddDate(1, 0, 0)
	halfYear := now.AddDate(0, 0, 180)

	return []promodomain.CreateRequest{
		{
			Code:          "WELCOME10",
			Description:   "10% off for new customers",
			DiscountType:  promodomain.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(10),
			ValidUntil:    &year,
			UsageLimit:    intPtr(1000),
		},
		{
			Code:             "SAVE20",
			Description:      "20% off on orders over $50",
			DiscountType:     promodomain.DiscountPercentage,
			DiscountValue:    decimal.NewFromInt(20),
			MinPurchaseCents: 5000,
			MaxDiscountCents: int64Ptr(5000),
			ValidUntil:       &year,
			UsageLimit:       intPtr(500),
		},
		{
			Code:             "FLAT10",
			Description:      "$10 off any order",
			DiscountType:     promodomain.DiscountFixed,
			DiscountValue:    decimal.NewFromInt(1000),
			MinPurchaseCents: 2500,
			ValidUntil:       &halfYear,
			UsageLimit:       intPtr(200),
		},
	}
}

// GenerateKey returns prefix followed by random uppercase alphanumerics.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, keyBodyLength)
	limit := big.NewInt(int64(len(keyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return prefix + string(buf), nil
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
