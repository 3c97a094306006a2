package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/handlers"
	"chatsync/internal/health"
	"chatsync/internal/logger"
	"chatsync/internal/observability"
	"chatsync/internal/rabbitmq"
	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
	"chatsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		port    string
		dsn     string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the push channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if port != "" {
				cfg.Port = port
			}
			if dsn != "" {
				cfg.DBDSN = dsn
			}
			return runServer(cmd.Context(), cfg, migrate)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "HTTP port (overrides PORT)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (overrides DB_DSN)")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply the schema on startup")

	return cmd
}

func runServer(ctx context.Context, cfg config.Config, migrate bool) error {
	if err := logger.Init(cfg.LogLevel, cfg.Production()); err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	database, err := db.Connect(cfg.DBDSN, migrate)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	emitter := telemetry.NewAuditEmitter(publisher, "audit."+cfg.ServiceName, cfg.ServiceName, cfg.Environment)

	userRepo := repositories.NewUserRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	authService := auth.NewService(userRepo, cfg.JWTSecret, cfg.JWTTTL)

	registry := ws.NewRegistry(ws.NewPresenceBroadcaster(logger.Named("presence")))
	deliveries := ws.NewRouter(registry, logger.Named("router"))

	push := ws.NewPresenceWebSocketHandler(registry, authService, ws.Options{
		SendQueue:    cfg.WSSendQueue,
		PingInterval: cfg.WSPingInterval,
	}, logger.Named("ws"))

	router := newRouter(routeDeps{
		serviceName: cfg.ServiceName,
		debugRoutes: cfg.DebugRoutes,
		validator:   authService,
		auth:        handlers.NewAuthHandler(authService, emitter),
		messages:    handlers.NewMessageHandler(messageRepo, userRepo, deliveries, emitter),
		push:        push,
		emitter:     emitter,
		online:      registry,
		log:         logger.Named("http"),
	})

	healthSrv, err := health.NewServer(cfg.GRPCHealthAddr, logger.Named("health"))
	if err != nil {
		return err
	}
	go func() {
		if err := healthSrv.Serve(); err != nil {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("health", healthSrv.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	healthSrv.SetServing(true)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	healthSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	registry.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	healthSrv.Stop()

	if err := publisher.Close(); err != nil {
		logger.Warn("close publisher", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("shutdown tracing", zap.Error(err))
	}
	return nil
}
