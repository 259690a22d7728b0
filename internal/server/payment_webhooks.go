package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/keyforge/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	"go.uber.org/zap"
)

// Gateway payloads are small; anything larger is not a real event.
const maxWebhookBody = 1 << 20

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("payment webhook rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"status": paymentdomain.OutcomeIgnored}
	if result != nil {
		resp["status"] = result.Outcome
		if result.ChargeID != "" {
			resp["charge_id"] = result.ChargeID
		}
		if result.OrderID != nil {
			resp["order_id"] = result.OrderID.String()
		}
	}
	c.JSON(http.StatusOK, resp)
}
