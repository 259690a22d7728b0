package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	"github.com/smallbiznis/keyforge/internal/observability/metrics"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// claimBatch bounds how many candidates one round of claiming reads.
const claimBatch = 16

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Cipher      keyvault.Cipher
	Repo        domain.Repository
	ProductRepo productdomain.Repository
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cipher      keyvault.Cipher
	repo        domain.Repository
	productRepo productdomain.Repository
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("inventory.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cipher:      p.Cipher,
		repo:        p.Repo,
		productRepo: p.ProductRepo,
		metrics:     p.Metrics,
	}
}

func (s *Service) AddKeys(ctx context.Context, req domain.AddKeysRequest) (*domain.AddKeysResult, error) {
	productID, err := snowflake.ParseString(strings.TrimSpace(req.ProductID))
	if err != nil || productID <= 0 {
		return nil, domain.ErrInvalidProduct
	}

	plain := normalizeKeys(req.Keys)
	if len(plain) == 0 {
		return nil, domain.ErrNoKeys
	}
	if len(plain) > domain.MaxKeysPerUpload {
		return nil, domain.ErrTooManyKeys
	}

	now := s.clock.Now()
	var result *domain.AddKeysResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := s.productRepo.FindByID(ctx, tx, productID)
		if err != nil {
			return err
		}
		if product == nil {
			return domain.ErrProductNotFound
		}

		region := strings.TrimSpace(req.Region)
		if region == "" {
			region = product.Region
		}
		if region != product.Region {
			return domain.ErrRegionMismatch
		}

		keys := make([]domain.DigitalKey, 0, len(plain))
		for _, k := range plain {
			sealed, err := s.cipher.Encrypt(k)
			if err != nil {
				return err
			}
			keys = append(keys, domain.DigitalKey{
				ID:           s.genID.Generate(),
				ProductID:    product.ID,
				Region:       region,
				EncryptedKey: sealed,
				CreatedAt:    now,
			})
		}

		if err := s.repo.InsertBatch(ctx, tx, keys); err != nil {
			return err
		}
		ok, err := s.productRepo.AdjustStock(ctx, tx, product.ID, len(keys))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("adjust stock for product %s: no rows updated", product.ID)
		}

		result = &domain.AddKeysResult{
			ProductID: product.ID,
			Region:    region,
			Added:     len(keys),
			Stock:     product.Stock + len(keys),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("digital keys added",
		zap.String("product_id", result.ProductID.String()),
		zap.String("region", result.Region),
		zap.Int("added", result.Added),
	)
	return result, nil
}

func (s *Service) Claim(ctx context.Context, chargeID string, p domain.Partition, quantity int) ([]snowflake.ID, error) {
	if quantity <= 0 {
		return nil, nil
	}

	held, err := s.repo.FindUnboundByCharge(ctx, s.db, chargeID, p)
	if err != nil {
		return nil, err
	}
	if len(held) >= quantity {
		return held[:quantity], nil
	}

	claimed := held
	for len(claimed) < quantity {
		need := quantity - len(claimed)
		candidates, err := s.repo.FindClaimable(ctx, s.db, p, max(need, claimBatch))
		if err != nil {
			return claimed, err
		}
		if len(candidates) == 0 {
			break
		}

		progress := false
		for _, id := range candidates {
			if len(claimed) == quantity {
				break
			}
			ok, err := s.repo.Claim(ctx, s.db, id, chargeID, s.clock.Now())
			if err != nil {
				return claimed, err
			}
			if !ok {
				s.metrics.RecordClaimConflict(ctx)
				continue
			}
			progress = true
			claimed = append(claimed, id)
		}

		if !progress {
			settled, err := s.repo.ChargeSettled(ctx, s.db, chargeID)
			if err != nil {
				return claimed, err
			}
			if settled {
				return claimed, fmt.Errorf("%w: %s", domain.ErrChargeSettled, chargeID)
			}
		}
	}

	if n := len(claimed) - len(held); n > 0 {
		s.metrics.RecordKeysClaimed(ctx, n)
	}
	return claimed, nil
}

func (s *Service) Release(ctx context.Context, tx *gorm.DB, chargeID string) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ReleaseUnbound(ctx, tx, chargeID)
}

func (s *Service) Bind(ctx context.Context, tx *gorm.DB, chargeID string, orderID, orderItemID snowflake.ID, keyIDs []snowflake.ID) error {
	if tx == nil {
		tx = s.db
	}
	for _, id := range keyIDs {
		ok, err := s.repo.Bind(ctx, tx, id, chargeID, orderID, orderItemID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: key %s", domain.ErrBindConflict, id)
		}
	}
	return nil
}

func (s *Service) ListByOrder(ctx context.Context, tx *gorm.DB, orderID snowflake.ID) ([]domain.DigitalKey, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.ListByOrder(ctx, tx, orderID)
}

func (s *Service) Available(ctx context.Context, p domain.Partition) (int, error) {
	return s.repo.CountAvailable(ctx, s.db, p)
}

func normalizeKeys(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
