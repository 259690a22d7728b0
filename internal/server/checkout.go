package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	obscontext "github.com/smallbiznis/keyforge/internal/observability/context"
)

type createIntentRequest struct {
	Items     []checkoutdomain.CartItemRequest `json:"items"`
	PromoCode string                           `json:"promoCode"`
}

// CreateCheckoutIntent prices the cart and opens a charge with the gateway.
func (s *Server) CreateCheckoutIntent(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	intent, err := s.checkoutSvc.CreateIntent(c.Request.Context(), checkoutdomain.CreateIntentRequest{
		BuyerID:    principal.SubjectID,
		BuyerEmail: principal.Email,
		Items:      req.Items,
		PromoCode:  strings.TrimSpace(req.PromoCode),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, intent)
}

type verifyCheckoutRequest struct {
	ChargeID string `json:"chargeId"`
}

// VerifyCheckout reports whether a charge has become an order yet.
func (s *Server) VerifyCheckout(c *gin.Context) {
	viewer, ok := viewerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req verifyCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	chargeID := strings.TrimSpace(req.ChargeID)
	if chargeID == "" {
		AbortWithError(c, newValidationError("chargeId", "invalid_charge_id", "chargeId is required"))
		return
	}

	ctx := obscontext.WithChargeID(c.Request.Context(), chargeID)
	result, err := s.fulfillmentSvc.Lookup(ctx, viewer, chargeID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
