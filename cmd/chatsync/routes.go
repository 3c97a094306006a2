package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/handlers"
	"chatsync/internal/middleware"
	"chatsync/internal/observability"
	"chatsync/internal/telemetry"
	"chatsync/internal/ws"
)

type routeDeps struct {
	serviceName string
	debugRoutes bool
	validator   auth.TokenValidator
	auth        *handlers.AuthHandler
	messages    *handlers.MessageHandler
	push        *ws.PresenceWebSocketHandler
	emitter     *telemetry.AuditEmitter
	online      handlers.OnlineSnapshotter
	log         *zap.Logger
}

func newRouter(d routeDeps) *gin.Engine {
	router := gin.New()

	router.Use(
		gin.Recovery(),
		otelgin.Middleware(d.serviceName),
		observability.HTTPMetricsMiddleware(),
		middleware.RequestLogger(d.log),
	)

	authMiddleware := middleware.AuthMiddleware(d.validator)

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := router.Group("/api/auth")
	authGroup.POST("/signup", d.auth.Signup)
	authGroup.POST("/login", d.auth.Login)
	authGroup.GET("/check", authMiddleware, d.auth.Check)

	messages := router.Group("/api/messages", authMiddleware)
	messages.GET("/users", d.messages.ListUsers)
	messages.GET("/:peer_id", d.messages.GetMessages)
	messages.POST("/send/:peer_id", d.messages.SendMessage)
	messages.PUT("/mark/:id", d.messages.MarkSeen)
	messages.DELETE("/:id", d.messages.DeleteMessage)

	router.GET("/ws", d.push.Handle)

	handlers.RegisterDebugRoutes(router, d.emitter, d.online, d.debugRoutes)

	return router
}
