package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/keyforge/internal/authorization"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
)

func (s *Server) CreatePromo(c *gin.Context) {
	var req promodomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.promoSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionPromoCreate, authorization.ObjectPromo, resp.Code, map[string]any{
		"discount_type":  string(resp.DiscountType),
		"discount_value": resp.DiscountValue.String(),
	})

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPromos(c *gin.Context) {
	resp, err := s.promoSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeactivatePromo(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if err := s.promoSvc.Deactivate(c.Request.Context(), code); err != nil {
		AbortWithError(c, err)
		return
	}
	code = promodomain.NormalizeCode(code)
	s.recordAudit(c, authorization.ActionPromoDeactivate, authorization.ObjectPromo, code, nil)

	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "code": code})
}
