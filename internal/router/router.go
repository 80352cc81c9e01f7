package router

import (
	"net/http"
	"time"

	"propdesk/config"
	"propdesk/internal/domain"
	"propdesk/internal/handler"
	"propdesk/internal/middleware"
	"propdesk/internal/service"
	"propdesk/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func Setup(cfg *config.Config, svc *service.Services, hub *ws.Hub, logger logrus.FieldLogger) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	repos := svc.Repos
	paymentHandler := handler.NewPaymentHandler(svc.Initiator, repos.Payments, repos.Txns, repos.Tenants, repos.Properties, logger)
	callbackHandler := handler.NewCallbackHandler(svc.Receiver, logger)
	adminHandler := handler.NewAdminHandler(svc.Settings, svc.Review, svc.Receiver, svc.Sweeper, logger)
	notificationHandler := handler.NewNotificationHandler(repos.Notifications)

	authMw := middleware.AuthRequired(&cfg.JWT)
	initiateLimit := middleware.RateLimitPerUser(middleware.NewInMemoryRateLimiter(10, time.Minute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api/v1")
	{
		payer := middleware.RequireRole(domain.RoleTenant, domain.RoleStaff, domain.RoleAdmin)
		api.POST("/payments/mobile-money", authMw, payer, initiateLimit, paymentHandler.InitiateMobileMoney)
		api.GET("/payments/:id", authMw, paymentHandler.Get)

		api.GET("/notifications", authMw, notificationHandler.List)
		api.PATCH("/notifications/:id/read", authMw, notificationHandler.MarkRead)

		// Gateway callbacks authenticate with the per-scope token, not a JWT.
		api.POST("/webhooks/mpesa/:scope", middleware.RateLimit(middleware.NewInMemoryRateLimiter(600, time.Minute)), callbackHandler.MpesaSTK)

		admin := api.Group("/admin", authMw, middleware.AdminRequired())
		{
			admin.GET("/payments/review", adminHandler.Review)
			admin.GET("/payments/review/export", adminHandler.ExportReview)
			admin.POST("/callbacks/:id/replay", adminHandler.ReplayCallback)
			admin.POST("/payments/sweep", adminHandler.Sweep)
			admin.PUT("/gateway-settings", adminHandler.SaveGatewaySettings)
		}
	}

	r.GET("/ws/notifications", ws.UpgradeNotificationsWS(&cfg.JWT, hub))
	return r
}
