package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"payments_service/internal/config"
	"payments_service/internal/http/handlers"
	"payments_service/internal/http/middleware"
	"payments_service/internal/metrics"
)

type Options struct {
	JWTSecret    string
	RateLimit    config.RateLimitConfig
	LimiterStore limiter.Store
	Metrics      *metrics.Metrics
	Log          *logrus.Logger
}

func New(h *handlers.Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery())
	if opts.Log != nil {
		r.Use(middleware.RequestLogger(opts.Log))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	// The gateway authenticates with the webhook signature, not a session.
	r.POST("/payment/ccbill", h.GatewayWebhook)

	r.GET("/access/:type/:id", middleware.OptionalAuth(opts.JWTSecret), h.Access)

	api := r.Group("/")
	api.Use(middleware.Auth(opts.JWTSecret))
	if opts.LimiterStore != nil {
		api.Use(middleware.RateLimit(opts.LimiterStore, opts.RateLimit.Limit, opts.RateLimit.Period))
	}
	{
		api.POST("/tip", h.Tip)
		api.POST("/purchase", h.Purchase)
		api.POST("/purchase-message", h.PurchaseMessage)
		api.POST("/tiers/:id/subscribe", h.Subscribe)
		api.POST("/messages/authorize", h.AuthorizeMessage)

		api.GET("/wallet/balance", h.Balance)
		api.GET("/wallet/history", h.History)

		api.GET("/transactions", h.ListTransactions)
		api.GET("/transactions/:id", h.GetTransaction)

		api.GET("/subscriptions", h.Subscriptions)
		api.GET("/subscriptions/:creator_id", h.Subscription)

		api.POST("/payout-methods", h.CreatePayoutMethod)
		api.DELETE("/payout-methods/:id", h.DeletePayoutMethod)
		api.GET("/payout-requests", h.ListPayoutRequests)
		api.POST("/payout-requests", h.RequestPayout)
		api.POST("/payout-requests/:id/cancel", h.CancelPayout)
	}

	admin := api.Group("/")
	admin.Use(middleware.RequireAdmin())
	{
		admin.POST("/wallet/add-funds", h.AddFunds)
		admin.POST("/wallet/subtract-funds", h.SubtractFunds)
		admin.POST("/wallet/move-pending-to-available", h.MovePendingToAvailable)
		admin.POST("/transactions/:id/refund", h.Refund)
		admin.POST("/payout-requests/:id/processing", h.MarkPayoutProcessing)
		admin.POST("/payout-requests/:id/complete", h.MarkPayoutCompleted)
	}

	return r
}
