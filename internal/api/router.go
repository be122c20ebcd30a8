package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/api/handler"
	"github.com/qs3c/reportflow/internal/api/middleware"
)

type Router struct {
	jobHandler       *handler.JobHandler
	paymentHandler   *handler.PaymentHandler
	websocketHandler *handler.WebSocketHandler
	cfg              *config.SandboxConfig
}

func NewRouter(
	jobHandler *handler.JobHandler,
	paymentHandler *handler.PaymentHandler,
	websocketHandler *handler.WebSocketHandler,
	cfg *config.SandboxConfig,
) *Router {
	return &Router{
		jobHandler:       jobHandler,
		paymentHandler:   paymentHandler,
		websocketHandler: websocketHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.CORS(r.cfg.CORS))

	// 存活检查
	engine.GET("/", handler.Alive)

	api := engine.Group("/api")
	api.Use(middleware.Auth(r.cfg.JWTSecret))
	{
		// 免费分析：/api/linkedin/analyze, /api/resume/analyze, /api/compare/analyze
		api.POST("/:domain/analyze", r.jobHandler.Analyze)

		rag := api.Group("/rag")
		{
			rag.GET("/status/:id", r.jobHandler.Status)
			rag.POST("/create-rag-report", r.paymentHandler.CreateReport)
			rag.POST("/verify-payment", r.paymentHandler.VerifyPayment)
		}

		pricing := api.Group("/pricing")
		{
			pricing.GET("", r.paymentHandler.Prices)
			pricing.POST("/apply-coupon", r.paymentHandler.ApplyCoupon)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("/:id", r.jobHandler.Get)
			jobs.GET("/:id/stream", r.jobHandler.Stream)
			jobs.GET("/:id/ws", r.jobHandler.WebSocket)
		}

		api.GET("/notifications/ws", r.websocketHandler.Notifications)
	}

	return engine
}
