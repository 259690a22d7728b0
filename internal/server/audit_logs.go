package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/observability/logger"
	"go.uber.org/zap"
)

func (s *Server) ListAuditLogs(c *gin.Context) {
	var req auditdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.AuditLogs,
		"page_info": resp.PageInfo,
	})
}

// recordAudit never fails the request; a lost entry is only logged.
func (s *Server) recordAudit(c *gin.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	ctx := c.Request.Context()
	if err := s.auditSvc.Record(ctx, action, targetType, targetID, metadata); err != nil {
		logger.FromContext(ctx).Warn("audit record failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
