package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/keyforge/internal/authorization"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
)

func (s *Server) CreateProduct(c *gin.Context) {
	var req productdomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Region = strings.TrimSpace(req.Region)
	req.Platform = strings.TrimSpace(req.Platform)

	resp, err := s.productSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionProductCreate, authorization.ObjectProduct, resp.ID.String(), map[string]any{
		"title":  resp.Title,
		"region": resp.Region,
	})

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListProducts(c *gin.Context) {
	var query struct {
		Active string `form:"active"`
		Region string `form:"region"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	active, err := parseOptionalBool(query.Active)
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	resp, err := s.productSvc.List(c.Request.Context(), productdomain.ListRequest{
		ActiveOnly: active != nil && *active,
		Region:     strings.TrimSpace(query.Region),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetProduct(c *gin.Context) {
	resp, err := s.productSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// AddProductKeys encrypts an uploaded batch of keys into the product's pool.
func (s *Server) AddProductKeys(c *gin.Context) {
	var req inventorydomain.AddKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ProductID = strings.TrimSpace(c.Param("id"))
	req.Region = strings.TrimSpace(req.Region)

	resp, err := s.inventorySvc.AddKeys(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionInventoryAdd, authorization.ObjectProduct, resp.ProductID.String(), map[string]any{
		"added":  resp.Added,
		"region": resp.Region,
		"stock":  resp.Stock,
	})

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}
