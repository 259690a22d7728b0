package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/keyforge/internal/authorization"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
)

func (s *Server) GetOrder(c *gin.Context) {
	viewer, ok := viewerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	order, err := s.fulfillmentSvc.GetOrder(c.Request.Context(), viewer, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

// RevealOrderKeys returns the decrypted keys of a completed order.
func (s *Server) RevealOrderKeys(c *gin.Context) {
	viewer, ok := viewerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	reveal, err := s.fulfillmentSvc.RevealKeys(c.Request.Context(), viewer, strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, reveal)
}

func (s *Server) GetOrderReceipt(c *gin.Context) {
	viewer, ok := viewerFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	orderID := strings.TrimSpace(c.Param("id"))
	doc, err := s.notificationSvc.Receipt(c.Request.Context(), viewer, orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="receipt-%s.pdf"`, orderID))
	c.Data(http.StatusOK, "application/pdf", doc)
}

func (s *Server) ListOrders(c *gin.Context) {
	var req fulfillmentdomain.ListOrdersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	req.BuyerID = strings.TrimSpace(req.BuyerID)

	resp, err := s.fulfillmentSvc.ListOrders(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Orders,
		"page_info": resp.PageInfo,
	})
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) UpdateOrderStatus(c *gin.Context) {
	var req updateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := fulfillmentdomain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	order, err := s.fulfillmentSvc.UpdateStatus(c.Request.Context(), strings.TrimSpace(c.Param("id")), status)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionOrderUpdateStatus, authorization.ObjectOrder, order.ID.String(), map[string]any{
		"status": string(order.Status),
	})

	c.JSON(http.StatusOK, gin.H{"data": order})
}

// NotifyOrder re-sends the key delivery email of an order.
func (s *Server) NotifyOrder(c *gin.Context) {
	orderID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid order id"))
		return
	}

	err = s.notificationSvc.Dispatch(c.Request.Context(), orderID)
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	s.recordAudit(c, authorization.ActionOrderNotify, authorization.ObjectOrder, orderID.String(), map[string]any{
		"outcome": outcome,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent", "order_id": orderID.String()})
}

func parseSnowflakeParam(value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, ErrInvalidRequest
	}
	return *id, nil
}
