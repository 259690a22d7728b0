package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectCheckout    = "checkout"
	ObjectOrder       = "order"
	ObjectProduct     = "product"
	ObjectInventory   = "inventory"
	ObjectPromo       = "promo"
	ObjectAccessToken = "access_token"
	ObjectAuditLog    = "audit_log"
)

const (
	ActionCheckoutCreate = "checkout.create"
	ActionCheckoutVerify = "checkout.verify"

	ActionOrderView         = "order.view"
	ActionOrderRevealKeys   = "order.reveal_keys"
	ActionOrderList         = "order.list"
	ActionOrderUpdateStatus = "order.update_status"
	ActionOrderNotify       = "order.notify"

	ActionProductView   = "product.view"
	ActionProductCreate = "product.create"

	ActionInventoryAdd = "inventory.add"

	ActionPromoView       = "promo.view"
	ActionPromoCreate     = "promo.create"
	ActionPromoDeactivate = "promo.deactivate"

	ActionAccessTokenCreate = "access_token.create"
	ActionAccessTokenView   = "access_token.view"
	ActionAccessTokenRevoke = "access_token.revoke"

	ActionAuditLogView = "audit_log.view"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject string, role string, object string, action string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return ErrInvalidRole
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	sub := fmt.Sprintf("user:%s", subject)
	if err := s.ensureGrouping(sub, fmt.Sprintf("role:%s", role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(sub, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", sub),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping moves subject onto roleName, dropping any previous role so
// a demoted token loses its old permissions.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Buyer permissions; ownership of orders is checked by the order service.
		{"role:buyer", ObjectCheckout, ActionCheckoutCreate},
		{"role:buyer", ObjectCheckout, ActionCheckoutVerify},
		{"role:buyer", ObjectOrder, ActionOrderView},
		{"role:buyer", ObjectOrder, ActionOrderRevealKeys},

		// Admin permissions
		{"role:admin", ObjectCheckout, ActionCheckoutCreate},
		{"role:admin", ObjectCheckout, ActionCheckoutVerify},
		{"role:admin", ObjectOrder, ActionOrderView},
		{"role:admin", ObjectOrder, ActionOrderRevealKeys},
		{"role:admin", ObjectOrder, ActionOrderList},
		{"role:admin", ObjectOrder, ActionOrderUpdateStatus},
		{"role:admin", ObjectOrder, ActionOrderNotify},
		{"role:admin", ObjectProduct, ActionProductView},
		{"role:admin", ObjectProduct, ActionProductCreate},
		{"role:admin", ObjectInventory, ActionInventoryAdd},
		{"role:admin", ObjectPromo, ActionPromoView},
		{"role:admin", ObjectPromo, ActionPromoCreate},
		{"role:admin", ObjectPromo, ActionPromoDeactivate},
		{"role:admin", ObjectAccessToken, ActionAccessTokenCreate},
		{"role:admin", ObjectAccessToken, ActionAccessTokenView},
		{"role:admin", ObjectAccessToken, ActionAccessTokenRevoke},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
