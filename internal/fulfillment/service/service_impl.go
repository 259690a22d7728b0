package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/events"
	"github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	"github.com/smallbiznis/keyforge/internal/observability/metrics"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	"github.com/smallbiznis/keyforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LeaseTTL bounds how long one worker may hold a charge before another
// worker is allowed to take it over.
const LeaseTTL = 2 * time.Minute

// deliveryTimeout caps the background key email sent after a commit. The
// notification retry job picks up anything that does not make it.
const deliveryTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Inventory   inventorydomain.Service
	Products    productdomain.Service
	ProductRepo productdomain.Repository
	Promos      promodomain.Service
	Cipher      keyvault.Cipher
	Publisher   events.Publisher
	Notifier    domain.Notifier  `optional:"true"`
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	inventory   inventorydomain.Service
	products    productdomain.Service
	productRepo productdomain.Repository
	promos      promodomain.Service
	cipher      keyvault.Cipher
	publisher   events.Publisher
	notifier    domain.Notifier
	metrics     *metrics.Metrics

	deliveries sync.WaitGroup
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("fulfillment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		inventory:   p.Inventory,
		products:    p.Products,
		productRepo: p.ProductRepo,
		promos:      p.Promos,
		cipher:      p.Cipher,
		publisher:   p.Publisher,
		notifier:    p.Notifier,
		metrics:     p.Metrics,
	}
}

func (s *Service) Fulfill(ctx context.Context, req domain.FulfillRequest) (*domain.Result, error) {
	chargeID := strings.TrimSpace(req.ChargeID)
	if chargeID == "" {
		return nil, fmt.Errorf("%w: charge id is empty", domain.ErrInvalidRequest)
	}
	if err := req.Snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	raw, err := json.Marshal(req.Snapshot)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertEvent(ctx, s.db, &domain.ProcessedEvent{
		ChargeID:    chargeID,
		Provider:    req.Provider,
		EventID:     req.EventID,
		State:       domain.StateReceived,
		Snapshot:    datatypes.JSON(raw),
		FirstSeenAt: now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}

	ev, err := s.repo.FindEvent(ctx, s.db, chargeID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("processed event %s missing after insert", chargeID)
	}
	if ev.OrderID != nil {
		s.metrics.RecordFulfillment(ctx, "duplicate")
		return nil, &domain.DuplicateEventError{ChargeID: chargeID, OrderID: *ev.OrderID, State: ev.State}
	}

	return s.run(ctx, chargeID, req.Snapshot)
}

func (s *Service) Resume(ctx context.Context, chargeID string) (*domain.Result, error) {
	ev, err := s.repo.FindEvent(ctx, s.db, chargeID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, domain.ErrNotFound
	}
	if ev.OrderID != nil {
		return nil, &domain.DuplicateEventError{ChargeID: chargeID, OrderID: *ev.OrderID, State: ev.State}
	}

	var snap checkoutdomain.Snapshot
	if err := json.Unmarshal(ev.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", chargeID, err)
	}

	s.log.Info("resuming fulfillment",
		zap.String("charge_id", chargeID),
		zap.String("state", string(ev.State)),
		zap.Int("attempts", ev.Attempts),
	)
	return s.run(ctx, chargeID, snap)
}

func (s *Service) ListStalled(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	return s.repo.ListStalled(ctx, s.db, now, now.Add(-LeaseTTL), limit)
}

func (s *Service) run(ctx context.Context, chargeID string, snap checkoutdomain.Snapshot) (*domain.Result, error) {
	owner := uuid.NewString()
	now := s.clock.Now()

	ok, err := s.repo.AcquireLease(ctx, s.db, chargeID, owner, now, now.Add(LeaseTTL))
	if err != nil {
		return nil, err
	}
	if !ok {
		ev, err := s.repo.FindEvent(ctx, s.db, chargeID)
		if err != nil {
			return nil, err
		}
		if ev != nil && ev.OrderID != nil {
			s.metrics.RecordFulfillment(ctx, "duplicate")
			return nil, &domain.DuplicateEventError{ChargeID: chargeID, OrderID: *ev.OrderID, State: ev.State}
		}
		s.metrics.RecordFulfillment(ctx, "in_progress")
		return nil, domain.ErrFulfillmentInProgress
	}

	result, err := s.allocate(ctx, chargeID, owner, snap)
	if err != nil {
		if relErr := s.repo.ReleaseLease(context.WithoutCancel(ctx), s.db, chargeID, owner, err.Error(), s.clock.Now()); relErr != nil {
			s.log.Warn("failed to release fulfillment lease", zap.String("charge_id", chargeID), zap.Error(relErr))
		}
		s.releaseOrphanedHolds(context.WithoutCancel(ctx), chargeID)
		if db.IsDuplicateKeyErr(err) {
			if order, findErr := s.repo.FindOrderByChargeID(ctx, s.db, chargeID); findErr == nil && order != nil {
				s.metrics.RecordFulfillment(ctx, "duplicate")
				return nil, &domain.DuplicateEventError{ChargeID: chargeID, OrderID: order.ID, State: domain.StateOrderCreated}
			}
		}
		s.metrics.RecordFulfillment(ctx, "error")
		s.log.Error("fulfillment failed", zap.String("charge_id", chargeID), zap.Error(err))
		return nil, err
	}

	s.afterCommit(ctx, result, snap)
	return result, nil
}

// releaseOrphanedHolds frees holds a worker placed after another worker had
// already turned the charge into an order.
func (s *Service) releaseOrphanedHolds(ctx context.Context, chargeID string) {
	ev, err := s.repo.FindEvent(ctx, s.db, chargeID)
	if err != nil {
		s.log.Warn("failed to load event after fulfillment error", zap.String("charge_id", chargeID), zap.Error(err))
		return
	}
	if ev == nil || ev.OrderID == nil {
		return
	}
	released, err := s.inventory.Release(ctx, nil, chargeID)
	if err != nil {
		s.log.Warn("failed to release orphaned key holds", zap.String("charge_id", chargeID), zap.Error(err))
		return
	}
	if released > 0 {
		s.log.Warn("released orphaned key holds",
			zap.String("charge_id", chargeID),
			zap.Int64("released", released),
		)
	}
}

type claim struct {
	partition inventorydomain.Partition
	requested int
	keys      []snowflake.ID
}

func (s *Service) allocate(ctx context.Context, chargeID, owner string, snap checkoutdomain.Snapshot) (*domain.Result, error) {
	claims := partitionsOf(snap)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range claims {
		g.Go(func() error {
			keys, err := s.inventory.Claim(gctx, chargeID, c.partition, c.requested)
			if err != nil {
				return fmt.Errorf("claim %s/%s: %w", c.partition.ProductID, c.partition.Region, err)
			}
			c.keys = keys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var lines []domain.ShortageLine
	total := 0
	for _, c := range claims {
		total += len(c.keys)
		if len(c.keys) < c.requested {
			lines = append(lines, domain.ShortageLine{
				ProductID: c.partition.ProductID,
				Region:    c.partition.Region,
				Requested: c.requested,
				Available: len(c.keys),
			})
		}
	}
	if len(lines) > 0 {
		return s.recordShortage(ctx, chargeID, owner, snap, &domain.AllocationShortageError{ChargeID: chargeID, Lines: lines})
	}

	ok, err := s.repo.SetState(ctx, s.db, chargeID, owner, domain.StateAllocated, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrLeaseLost
	}

	return s.commit(ctx, chargeID, owner, snap, claims, total)
}

// partitionsOf groups snapshot lines by (product, region) keeping first-seen order.
func partitionsOf(snap checkoutdomain.Snapshot) []*claim {
	index := make(map[inventorydomain.Partition]*claim)
	var out []*claim
	for _, item := range snap.Items {
		p := inventorydomain.Partition{ProductID: item.ProductID, Region: regionOf(item)}
		c, ok := index[p]
		if !ok {
			c = &claim{partition: p}
			index[p] = c
			out = append(out, c)
		}
		c.requested += item.Quantity
	}
	return out
}

func regionOf(item checkoutdomain.SnapshotItem) string {
	if r := strings.TrimSpace(item.Region); r != "" {
		return r
	}
	return productdomain.DefaultRegion
}

func (s *Service) newOrder(chargeID string, snap checkoutdomain.Snapshot, status domain.OrderStatus) *domain.Order {
	now := s.clock.Now()
	return &domain.Order{
		ID:            s.genID.Generate(),
		ChargeID:      chargeID,
		BuyerID:       snap.BuyerID,
		BuyerEmail:    snap.BuyerEmail,
		Status:        status,
		PaymentStatus: domain.PaymentStatusSucceeded,
		SubtotalCents: snap.SubtotalCents,
		DiscountCents: snap.DiscountCents,
		TaxCents:      snap.TaxCents,
		TotalCents:    snap.TotalCents,
		Currency:      snap.Currency,
		PromoCode:     snap.PromoCode,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *Service) recordShortage(ctx context.Context, chargeID, owner string, snap checkoutdomain.Snapshot, shortage *domain.AllocationShortageError) (*domain.Result, error) {
	order := s.newOrder(chargeID, snap, domain.OrderStatusNeedsAttention)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		released, err := s.inventory.Release(ctx, tx, chargeID)
		if err != nil {
			return err
		}
		if err := s.repo.CreateOrder(ctx, tx, order); err != nil {
			return err
		}
		ok, err := s.repo.CompleteEvent(ctx, tx, chargeID, owner, order.ID, domain.StateShortage, shortage.Error(), s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrLeaseLost
		}

		s.log.Warn("allocation shortage, order held",
			zap.String("charge_id", chargeID),
			zap.String("order_id", order.ID.String()),
			zap.Int64("released", released),
			zap.Error(shortage),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.Result{
		ChargeID: chargeID,
		OrderID:  order.ID,
		State:    domain.StateShortage,
		Status:   order.Status,
		Shortage: shortage,
	}, nil
}

func (s *Service) commit(ctx context.Context, chargeID, owner string, snap checkoutdomain.Snapshot, claims []*claim, total int) (*domain.Result, error) {
	order := s.newOrder(chargeID, snap, domain.OrderStatusCompleted)

	byPartition := make(map[inventorydomain.Partition]*claim, len(claims))
	for _, c := range claims {
		byPartition[c.partition] = c
	}
	offsets := make(map[inventorydomain.Partition]int, len(claims))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateOrder(ctx, tx, order); err != nil {
			return err
		}

		for _, line := range snap.Items {
			item := domain.OrderItem{
				ID:             s.genID.Generate(),
				OrderID:        order.ID,
				ProductID:      line.ProductID,
				Quantity:       line.Quantity,
				UnitPriceCents: line.UnitPriceCents,
				Region:         regionOf(line),
				CreatedAt:      order.CreatedAt,
			}
			if err := s.repo.CreateOrderItem(ctx, tx, &item); err != nil {
				return err
			}

			p := inventorydomain.Partition{ProductID: item.ProductID, Region: item.Region}
			start := offsets[p]
			keys := byPartition[p].keys[start : start+item.Quantity]
			offsets[p] = start + item.Quantity

			if err := s.inventory.Bind(ctx, tx, chargeID, order.ID, item.ID, keys); err != nil {
				return err
			}

			ok, err := s.productRepo.AdjustStock(ctx, tx, item.ProductID, -item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: product %s", domain.ErrStockInvariant, item.ProductID)
			}
			order.Items = append(order.Items, item)
		}

		surplus, err := s.inventory.Release(ctx, tx, chargeID)
		if err != nil {
			return err
		}
		if surplus > 0 {
			s.log.Warn("released surplus key holds",
				zap.String("charge_id", chargeID),
				zap.Int64("released", surplus),
			)
		}

		if snap.PromoCode != "" {
			err := s.promos.CommitRedemption(ctx, tx, snap.PromoCode)
			switch {
			case errors.Is(err, promodomain.ErrUsageLimitReached), errors.Is(err, promodomain.ErrNotFound):
				s.log.Warn("promo redemption not counted, discount honored",
					zap.String("charge_id", chargeID),
					zap.String("promo_code", snap.PromoCode),
					zap.Error(err),
				)
			case err != nil:
				return err
			}
		}

		ok, err := s.repo.CompleteEvent(ctx, tx, chargeID, owner, order.ID, domain.StateOrderCreated, "", s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("charge_id", chargeID),
		zap.String("order_id", order.ID.String()),
		zap.Int("keys", total),
		zap.Int64("total_cents", order.TotalCents),
	)
	return &domain.Result{
		ChargeID:    chargeID,
		OrderID:     order.ID,
		State:       domain.StateOrderCreated,
		Status:      order.Status,
		KeysClaimed: total,
	}, nil
}

func (s *Service) afterCommit(ctx context.Context, result *domain.Result, snap checkoutdomain.Snapshot) {
	now := s.clock.Now()

	if result.State == domain.StateShortage {
		s.metrics.RecordFulfillment(ctx, "shortage")
		lines := make([]events.ShortageLine, 0, len(result.Shortage.Lines))
		for _, l := range result.Shortage.Lines {
			lines = append(lines, events.ShortageLine{
				ProductID: l.ProductID.String(),
				Region:    l.Region,
				Requested: l.Requested,
				Available: l.Available,
			})
		}
		s.publish(ctx, events.New(events.TypeFulfillmentShortage, result.ChargeID, events.FulfillmentShortage{
			OrderID:  result.OrderID.String(),
			ChargeID: result.ChargeID,
			BuyerID:  snap.BuyerID,
			Lines:    lines,
		}, now))
		return
	}

	s.metrics.RecordFulfillment(ctx, "created")
	s.publish(ctx, events.New(events.TypeOrderFulfilled, result.ChargeID, events.OrderFulfilled{
		OrderID:    result.OrderID.String(),
		ChargeID:   result.ChargeID,
		BuyerID:    snap.BuyerID,
		TotalCents: snap.TotalCents,
		Currency:   snap.Currency,
		KeyCount:   result.KeysClaimed,
	}, now))

	if s.notifier == nil {
		return
	}

	orderID := result.OrderID
	dctx := context.WithoutCancel(ctx)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()

		ctx, cancel := context.WithTimeout(dctx, deliveryTimeout)
		defer cancel()
		if err := s.notifier.Dispatch(ctx, orderID); err != nil {
			s.log.Warn("key delivery failed, will retry",
				zap.String("order_id", orderID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Drain waits for background key deliveries started by committed orders.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deliveries.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("type", event.Type),
			zap.String("key", event.Key),
			zap.Error(err),
		)
	}
}
