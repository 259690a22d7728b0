package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/keyforge/internal/apikey"
	apikeydomain "github.com/smallbiznis/keyforge/internal/apikey/domain"
	"github.com/smallbiznis/keyforge/internal/audit"
	auditdomain "github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/authorization"
	"github.com/smallbiznis/keyforge/internal/checkout"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/config"
	"github.com/smallbiznis/keyforge/internal/events"
	"github.com/smallbiznis/keyforge/internal/fulfillment"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/internal/inventory"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/notification"
	notificationdomain "github.com/smallbiznis/keyforge/internal/notification/domain"
	"github.com/smallbiznis/keyforge/internal/observability"
	obsmiddleware "github.com/smallbiznis/keyforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/keyforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/keyforge/internal/observability/tracing"
	"github.com/smallbiznis/keyforge/internal/payment"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	"github.com/smallbiznis/keyforge/internal/product"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	"github.com/smallbiznis/keyforge/internal/promo"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	"github.com/smallbiznis/keyforge/internal/providers"
	"github.com/smallbiznis/keyforge/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	events.Module,
	apikey.Module,
	ratelimit.Module,
	providers.Module,
	product.Module,
	inventory.Module,
	promo.Module,
	payment.Module,
	checkout.Module,
	fulfillment.Module,
	notification.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	apiKeySvc       apikeydomain.Service
	auditSvc        auditdomain.Service
	authzSvc        authorization.Service
	checkoutSvc     checkoutdomain.Service
	fulfillmentSvc  fulfillmentdomain.Service
	inventorySvc    inventorydomain.Service
	notificationSvc notificationdomain.Service
	paymentSvc      paymentdomain.Service
	productSvc      productdomain.Service
	promoSvc        promodomain.Service
	buyerLimiter    *ratelimit.BuyerLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	APIKeySvc       apikeydomain.Service
	AuditSvc        auditdomain.Service
	AuthzSvc        authorization.Service
	CheckoutSvc     checkoutdomain.Service
	FulfillmentSvc  fulfillmentdomain.Service
	InventorySvc    inventorydomain.Service
	NotificationSvc notificationdomain.Service
	PaymentSvc      paymentdomain.Service
	ProductSvc      productdomain.Service
	PromoSvc        promodomain.Service
	BuyerLimiter    *ratelimit.BuyerLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		apiKeySvc:       p.APIKeySvc,
		auditSvc:        p.AuditSvc,
		authzSvc:        p.AuthzSvc,
		checkoutSvc:     p.CheckoutSvc,
		fulfillmentSvc:  p.FulfillmentSvc,
		inventorySvc:    p.InventorySvc,
		notificationSvc: p.NotificationSvc,
		paymentSvc:      p.PaymentSvc,
		productSvc:      p.ProductSvc,
		promoSvc:        p.PromoSvc,
		buyerLimiter:    p.BuyerLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// Gateways authenticate with their signature, not a bearer token.
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	authed := api.Group("", s.TokenAuthRequired())

	authed.POST("/checkout/intents",
		s.authorize(authorization.ObjectCheckout, authorization.ActionCheckoutCreate),
		s.BuyerRateLimit(ratelimit.EndpointCheckout),
		s.CreateCheckoutIntent,
	)
	authed.POST("/checkout/verify",
		s.authorize(authorization.ObjectCheckout, authorization.ActionCheckoutVerify),
		s.BuyerRateLimit(ratelimit.EndpointVerify),
		s.VerifyCheckout,
	)

	authed.GET("/orders/:id", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrder)
	authed.GET("/orders/:id/keys", s.authorize(authorization.ObjectOrder, authorization.ActionOrderRevealKeys), s.RevealOrderKeys)
	authed.GET("/orders/:id/receipt", s.authorize(authorization.ObjectOrder, authorization.ActionOrderView), s.GetOrderReceipt)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.TokenAuthRequired())

	admin.GET("/products", s.authorize(authorization.ObjectProduct, authorization.ActionProductView), s.ListProducts)
	admin.POST("/products", s.authorize(authorization.ObjectProduct, authorization.ActionProductCreate), s.CreateProduct)
	admin.GET("/products/:id", s.authorize(authorization.ObjectProduct, authorization.ActionProductView), s.GetProduct)
	admin.POST("/products/:id/keys", s.authorize(authorization.ObjectInventory, authorization.ActionInventoryAdd), s.AddProductKeys)

	admin.GET("/promos", s.authorize(authorization.ObjectPromo, authorization.ActionPromoView), s.ListPromos)
	admin.POST("/promos", s.authorize(authorization.ObjectPromo, authorization.ActionPromoCreate), s.CreatePromo)
	admin.POST("/promos/:code/deactivate", s.authorize(authorization.ObjectPromo, authorization.ActionPromoDeactivate), s.DeactivatePromo)

	admin.GET("/orders", s.authorize(authorization.ObjectOrder, authorization.ActionOrderList), s.ListOrders)
	admin.PATCH("/orders/:id/status", s.authorize(authorization.ObjectOrder, authorization.ActionOrderUpdateStatus), s.UpdateOrderStatus)
	admin.POST("/orders/:id/notify", s.authorize(authorization.ObjectOrder, authorization.ActionOrderNotify), s.NotifyOrder)

	admin.GET("/access-tokens", s.authorize(authorization.ObjectAccessToken, authorization.ActionAccessTokenView), s.ListAccessTokens)
	admin.POST("/access-tokens", s.authorize(authorization.ObjectAccessToken, authorization.ActionAccessTokenCreate), s.CreateAccessToken)
	admin.POST("/access-tokens/:key_id/revoke", s.authorize(authorization.ObjectAccessToken, authorization.ActionAccessTokenRevoke), s.RevokeAccessToken)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

// Health reports liveness and whether the database answers.
func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
