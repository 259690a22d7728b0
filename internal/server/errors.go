package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	"github.com/smallbiznis/keyforge/internal/authorization"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	notificationdomain "github.com/smallbiznis/keyforge/internal/notification/domain"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	ProductID string            `json:"product_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

// validationSentinels are domain errors reported to callers as 400.
var validationSentinels = []error{
	ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	checkoutdomain.ErrInvalidBuyer,
	checkoutdomain.ErrEmptyCart,
	checkoutdomain.ErrTooManyItems,
	checkoutdomain.ErrInvalidProductID,
	checkoutdomain.ErrInvalidQuantity,
	productdomain.ErrInvalidID,
	productdomain.ErrInvalidTitle,
	productdomain.ErrInvalidPrice,
	productdomain.ErrInvalidDiscount,
	productdomain.ErrInvalidType,
	inventorydomain.ErrInvalidProduct,
	inventorydomain.ErrNoKeys,
	inventorydomain.ErrTooManyKeys,
	inventorydomain.ErrRegionMismatch,
	promodomain.ErrInvalidCode,
	promodomain.ErrInvalidDiscountType,
	promodomain.ErrInvalidValue,
	promodomain.ErrInvalidWindow,
	promodomain.ErrInvalidUsageLimit,
	fulfillmentdomain.ErrInvalidRequest,
	fulfillmentdomain.ErrInvalidID,
	fulfillmentdomain.ErrInvalidStatus,
	apikeydomain.ErrInvalidName,
	apikeydomain.ErrInvalidSubject,
	apikeydomain.ErrInvalidRole,
	apikeydomain.ErrInvalidKeyID,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var stockErr *checkoutdomain.InsufficientStockError
	if errors.As(err, &stockErr) {
		return http.StatusConflict, errorPayload{
			Type:      "insufficient_stock",
			Message:   stockErr.Error(),
			ProductID: stockErr.ProductID.String(),
		}
	}

	var unavailableErr *checkoutdomain.ProductUnavailableError
	if errors.As(err, &unavailableErr) {
		return http.StatusConflict, errorPayload{
			Type:      "product_unavailable",
			Message:   unavailableErr.Error(),
			ProductID: unavailableErr.ProductID.String(),
		}
	}

	var rejection *promodomain.RejectionError
	if errors.As(err, &rejection) {
		return http.StatusBadRequest, errorPayload{
			Type:    "promo_rejected",
			Message: rejection.Error(),
			Reason:  string(rejection.Reason),
		}
	}

	var providerErr *paymentdomain.PaymentProviderError
	if errors.As(err, &providerErr) {
		return http.StatusBadGateway, errorPayload{
			Type:    "payment_provider_error",
			Message: "payment provider unavailable",
		}
	}

	var notifyErr *notificationdomain.NotificationError
	if errors.As(err, &notifyErr) {
		return http.StatusBadGateway, errorPayload{
			Type:    "notification_failed",
			Message: "key delivery failed, it will be retried",
		}
	}

	var duplicate *fulfillmentdomain.DuplicateEventError
	if errors.As(err, &duplicate) {
		return http.StatusOK, errorPayload{
			Type:    "duplicate_event",
			Message: "event already processed",
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apikeydomain.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden),
		errors.Is(err, fulfillmentdomain.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, keyvault.ErrEncryption),
		errors.Is(err, keyvault.ErrDecryption):
		return http.StatusInternalServerError, errorPayload{
			Type:    "vault_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, productdomain.ErrNotFound),
		errors.Is(err, inventorydomain.ErrProductNotFound),
		errors.Is(err, promodomain.ErrNotFound),
		errors.Is(err, fulfillmentdomain.ErrNotFound),
		errors.Is(err, notificationdomain.ErrNotFound),
		errors.Is(err, apikeydomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

var conflictSentinels = []error{
	ErrConflict,
	promodomain.ErrCodeExists,
	inventorydomain.ErrBindConflict,
	inventorydomain.ErrChargeSettled,
	fulfillmentdomain.ErrFulfillmentInProgress,
	fulfillmentdomain.ErrNotRevealable,
	fulfillmentdomain.ErrInvalidTransition,
	notificationdomain.ErrNotDeliverable,
	notificationdomain.ErrNoRecipient,
}

func isConflictError(err error) bool {
	for _, target := range conflictSentinels {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func conflictMessage(err error) string {
	for _, target := range conflictSentinels {
		if errors.Is(err, target) && target != ErrConflict {
			return target.Error()
		}
	}
	return "conflict"
}

// validationErrorCode returns the sentinel code of a domain validation
// error even when it was wrapped with extra detail.
func validationErrorCode(err error) (string, bool) {
	for _, target := range validationSentinels {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "empty_cart":
		return "cart has no items"
	case "too_many_items":
		return "cart has too many lines"
	case "no_keys":
		return "no keys supplied"
	case "too_many_keys":
		return "too many keys in one upload"
	case "region_mismatch":
		return "key region does not match product region"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	case status == http.StatusTooManyRequests:
		return "throttled", payload.Type
	case status >= http.StatusBadRequest:
		return "client", payload.Type
	default:
		return "", ""
	}
}
