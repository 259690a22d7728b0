package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/clock"
	obscontext "github.com/smallbiznis/keyforge/internal/observability/context"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, action, targetType, targetID string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType = strings.TrimSpace(targetType)
	if targetType == "" {
		targetType = "unknown"
	}

	payload := map[string]any{}
	for key, value := range metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(&targetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}
	if subject := obscontext.SubjectIDFromContext(ctx); subject != "" {
		entry.ActorType = auditdomain.ActorTypeAccessToken
		entry.ActorID = &subject
	}
	ip, userAgent := auditdomain.ClientFromContext(ctx)
	entry.IPAddress = normalizePointer(&ip)
	entry.UserAgent = normalizePointer(&userAgent)

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (*auditdomain.ListResponse, error) {
	before, err := req.After()
	if err != nil {
		return nil, err
	}
	limit := req.Limit()

	rows, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		Action:     strings.TrimSpace(req.Action),
		TargetType: strings.TrimSpace(req.TargetType),
		TargetID:   strings.TrimSpace(req.TargetID),
		ActorID:    strings.TrimSpace(req.ActorID),
		Before:     before,
		Limit:      limit + 1,
	})
	if err != nil {
		return nil, err
	}

	logs, info := pagination.Trim(rows, limit, func(l auditdomain.AuditLog) snowflake.ID { return l.ID })
	return &auditdomain.ListResponse{AuditLogs: logs, PageInfo: info}, nil
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
