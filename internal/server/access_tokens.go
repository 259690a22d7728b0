package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/authorization"
)

// CreateAccessToken issues a token. The raw secret is only in this response.
func (s *Server) CreateAccessToken(c *gin.Context) {
	var req apikeydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Email = strings.TrimSpace(req.Email)

	resp, err := s.apiKeySvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionAccessTokenCreate, authorization.ObjectAccessToken, resp.KeyID, map[string]any{
		"role":       string(resp.Role),
		"subject_id": req.SubjectID,
		"token":      auditdomain.MaskSecret(resp.AccessToken),
	})

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListAccessTokens(c *gin.Context) {
	resp, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeAccessToken(c *gin.Context) {
	keyID := strings.TrimSpace(c.Param("key_id"))
	if err := s.apiKeySvc.Revoke(c.Request.Context(), keyID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, authorization.ActionAccessTokenRevoke, authorization.ObjectAccessToken, keyID, nil)

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "key_id": keyID})
}
