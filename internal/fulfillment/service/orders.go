package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	lookupPending    = "pending"
	lookupProcessing = "processing"

	decryptionFailed = "decryption_failed"
)

func (s *Service) Lookup(ctx context.Context, viewer domain.Viewer, chargeID string) (*domain.LookupResult, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return nil, domain.ErrInvalidRequest
	}

	order, err := s.repo.FindOrderByChargeID(ctx, s.db, chargeID)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if !viewer.CanSee(order) {
			return nil, domain.ErrNotFound
		}
		id := order.ID
		return &domain.LookupResult{ChargeID: chargeID, Status: string(order.Status), OrderID: &id}, nil
	}

	ev, err := s.repo.FindEvent(ctx, s.db, chargeID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &domain.LookupResult{ChargeID: chargeID, Status: lookupPending}, nil
	}

	var snap checkoutdomain.Snapshot
	if err := json.Unmarshal(ev.Snapshot, &snap); err == nil && !viewer.IsAdmin && snap.BuyerID != viewer.SubjectID {
		return nil, domain.ErrNotFound
	}
	return &domain.LookupResult{ChargeID: chargeID, Status: lookupProcessing}, nil
}

func (s *Service) RevealKeys(ctx context.Context, viewer domain.Viewer, orderID string) (*domain.KeyReveal, error) {
	order, err := s.loadOrder(ctx, viewer, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusCompleted || order.PaymentStatus != domain.PaymentStatusSucceeded {
		return nil, domain.ErrNotRevealable
	}

	keys, err := s.inventory.ListByOrder(ctx, nil, order.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]snowflake.ID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ProductID)
	}
	products, err := s.products.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &domain.KeyReveal{
		OrderID: order.ID,
		Keys:    make([]domain.RevealedKey, 0, len(keys)),
		Warning: domain.RevealWarning,
	}
	for _, k := range keys {
		revealed := domain.RevealedKey{
			ProductID:   k.ProductID,
			ProductName: products[k.ProductID].Title,
			Region:      k.Region,
		}
		plain, err := s.cipher.Decrypt(k.EncryptedKey)
		if err != nil {
			s.log.Error("failed to decrypt key",
				zap.String("order_id", order.ID.String()),
				zap.String("key_id", k.ID.String()),
				zap.Error(err),
			)
			revealed.Error = decryptionFailed
		} else {
			revealed.Key = plain
		}
		out.Keys = append(out.Keys, revealed)
	}

	s.log.Info("keys revealed",
		zap.String("order_id", order.ID.String()),
		zap.String("viewer", viewer.SubjectID),
		zap.Bool("admin", viewer.IsAdmin),
		zap.Int("keys", len(out.Keys)),
	)
	return out, nil
}

func (s *Service) GetOrder(ctx context.Context, viewer domain.Viewer, orderID string) (*domain.Order, error) {
	order, err := s.loadOrder(ctx, viewer, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListOrderItems(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (s *Service) loadOrder(ctx context.Context, viewer domain.Viewer, orderID string) (*domain.Order, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(orderID))
	if err != nil || id <= 0 {
		return nil, domain.ErrInvalidID
	}
	order, err := s.repo.FindOrderByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrNotFound
	}
	if !viewer.CanSee(order) {
		return nil, domain.ErrForbidden
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, req domain.ListOrdersRequest) (*domain.ListOrdersResponse, error) {
	status := domain.OrderStatus(strings.TrimSpace(req.Status))
	switch status {
	case "", domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusCompleted,
		domain.OrderStatusCancelled, domain.OrderStatusNeedsAttention:
	default:
		return nil, domain.ErrInvalidStatus
	}

	before, err := req.After()
	if err != nil {
		return nil, err
	}
	limit := req.Limit()

	rows, err := s.repo.ListOrders(ctx, s.db, domain.OrderFilter{
		Status:  status,
		BuyerID: strings.TrimSpace(req.BuyerID),
		Before:  before,
		Limit:   limit + 1,
	})
	if err != nil {
		return nil, err
	}

	orders, info := pagination.Trim(rows, limit, func(o domain.Order) snowflake.ID { return o.ID })
	return &domain.ListOrdersResponse{Orders: orders, PageInfo: info}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(orderID))
	if err != nil || id <= 0 {
		return nil, domain.ErrInvalidID
	}
	if !status.Settable() {
		return nil, domain.ErrInvalidStatus
	}

	current, err := s.repo.FindOrderByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound
	}
	if !current.Status.CanMoveTo(status) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current.Status, status)
	}

	ok, err := s.repo.UpdateOrderStatus(ctx, s.db, id, status, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotFound
	}

	s.log.Info("order status updated", zap.String("order_id", id.String()), zap.String("status", string(status)))
	return s.repo.FindOrderByID(ctx, s.db, id)
}
