package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/labsafe/permit-api/api/swagger"
	"github.com/labsafe/permit-api/internal/directory"
	"github.com/labsafe/permit-api/internal/handler"
	"github.com/labsafe/permit-api/internal/middleware"
	"github.com/labsafe/permit-api/internal/repository"
	"github.com/labsafe/permit-api/internal/service"
	"github.com/labsafe/permit-api/pkg/cache"
	"github.com/labsafe/permit-api/pkg/config"
	"github.com/labsafe/permit-api/pkg/database"
	"github.com/labsafe/permit-api/pkg/logger"
	corsmiddleware "github.com/labsafe/permit-api/pkg/middleware/cors"
	reqidmiddleware "github.com/labsafe/permit-api/pkg/middleware/requestid"
	"github.com/labsafe/permit-api/pkg/reference"
)

// @title Laboratory Permit API
// @version 1.0.0
// @description Hazard authorization and dispensation record keeper
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, feeds run uncached", "error", err)
		redisClient = nil
	}

	signer, err := reference.NewSigner(cfg.Reference.EncryptionKey, cfg.Reference.SigningKey)
	if err != nil {
		logr.Sugar().Fatalw("failed to init reference signer", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authorizationRepo := repository.NewAuthorizationRepository(db)
	dispensationRepo := repository.NewDispensationRepository(db)
	personRepo := repository.NewPersonRepository(db)
	roomRepo := repository.NewRoomRepository(db)
	chemicalRepo := repository.NewChemicalRepository(db)
	unitRepo := repository.NewUnitRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	directoryClient := directory.NewClient(cfg.Directory, logr)

	notifier := service.NewQueueNotifier(cfg.Notifications, logr)
	notifier.Start(ctx)
	defer notifier.Stop()

	validate := validator.New()
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, cfg.JWT)
	authorizationSvc := service.NewAuthorizationService(
		authorizationRepo, personRepo, roomRepo, chemicalRepo, unitRepo,
		directoryClient, cacheRepo, signer, validate, logr, nil)
	dispensationSvc := service.NewDispensationService(
		dispensationRepo, personRepo, roomRepo, unitRepo,
		directoryClient, cacheRepo, notifier, signer, validate, logr, nil, nil)
	unitSvc := service.NewUnitService(unitRepo, validate, logr, nil)
	expirySvc := service.NewExpiryService(
		authorizationRepo, dispensationRepo, authorizationSvc, dispensationSvc,
		notifier, cfg.Expiry, logr, nil)
	certificateSvc := service.NewCertificateService(authorizationSvc, unitRepo, signer, logr, nil)

	authHandler := handler.NewAuthHandler(authSvc)
	authorizationHandler := handler.NewAuthorizationHandler(
		authorizationSvc, expirySvc, certificateSvc, cacheRepo, cfg.Feeds.CacheTTL, metricsSvc)
	dispensationHandler := handler.NewDispensationHandler(
		dispensationSvc, expirySvc, cacheRepo, cfg.Feeds.CacheTTL, metricsSvc)
	unitHandler := handler.NewUnitHandler(unitSvc)
	cronHandler := handler.NewCronHandler(expirySvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	{
		protected.POST("/authorizations", authorizationHandler.Create)
		protected.PUT("/authorizations", authorizationHandler.Update)
		protected.DELETE("/authorizations", authorizationHandler.Delete)
		protected.GET("/authorizations/expiring", authorizationHandler.Expiring)
		protected.GET("/authorizations/certificate", authorizationHandler.Certificate)

		protected.POST("/dispensations", dispensationHandler.Create)
		protected.PUT("/dispensations", dispensationHandler.Update)
		protected.DELETE("/dispensations", dispensationHandler.Delete)
		protected.GET("/dispensations/expiring", dispensationHandler.Expiring)

		protected.GET("/units", unitHandler.List)
		protected.POST("/units", unitHandler.Create)
		protected.DELETE("/units/:id", unitHandler.Delete)

		protected.POST("/cron/expire", cronHandler.Expire)
	}

	go runExpiryTicker(ctx, cfg.Expiry.Interval, expirySvc, metricsSvc, logr)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

func runExpiryTicker(ctx context.Context, interval time.Duration, expirySvc *service.ExpiryService, metrics *service.MetricsService, logr *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := expirySvc.RunBatch(ctx); err != nil {
				logr.Sugar().Errorw("scheduled expiry batch failed", "error", err)
				continue
			}
			metrics.ObserveBatch(time.Since(start))
		}
	}
}
