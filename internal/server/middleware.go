package server

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/authorization"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	obscontext "github.com/smallbiznis/keyforge/internal/observability/context"
	"github.com/smallbiznis/keyforge/internal/observability/logger"
	"github.com/smallbiznis/keyforge/internal/ratelimit"
	"go.uber.org/zap"
)

const contextPrincipalKey = "principal"

// TokenAuthRequired resolves the bearer access token to a principal.
func (s *Server) TokenAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.apiKeySvc.Authenticate(c.Request.Context(), raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if principal == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithSubjectID(c.Request.Context(), principal.SubjectID)
		ctx = auditdomain.WithClient(ctx, c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextPrincipalKey, principal)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(header))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func principalFromContext(c *gin.Context) (*apikeydomain.Principal, bool) {
	value, ok := c.Get(contextPrincipalKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*apikeydomain.Principal)
	return principal, ok && principal != nil
}

func viewerFromContext(c *gin.Context) (fulfillmentdomain.Viewer, bool) {
	principal, ok := principalFromContext(c)
	if !ok {
		return fulfillmentdomain.Viewer{}, false
	}
	return fulfillmentdomain.Viewer{
		SubjectID: principal.SubjectID,
		IsAdmin:   principal.IsAdmin(),
	}, true
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		err := s.authzSvc.Authorize(c.Request.Context(), principal.SubjectID, string(principal.Role), object, action)
		if err != nil {
			if !errors.Is(err, authorization.ErrForbidden) {
				logger.FromContext(c.Request.Context()).Warn("authorization check failed",
					zap.String("object", object),
					zap.String("action", action),
					zap.Error(err),
				)
			}
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// BuyerRateLimit applies the per-buyer token bucket of endpoint.
func (s *Server) BuyerRateLimit(endpoint ratelimit.Endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.buyerLimiter.Enabled() {
			c.Next()
			return
		}

		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		res, err := s.buyerLimiter.Allow(ctx, endpoint, principal.SubjectID)
		if err != nil {
			logger.FromContext(ctx).Warn("buyer rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		if res != nil && res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if res == nil || res.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("buyer rate limit exceeded", zap.String("endpoint", string(endpoint)))
		s.obsMetrics.RecordRateLimited(ctx, string(endpoint))

		retryAfter := max(int(math.Ceil(res.RetryAfter.Seconds())), 1)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		AbortWithError(c, ErrRateLimited)
	}
}
