package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otc-backend/internal/app"
	"otc-backend/internal/config"
	"otc-backend/internal/handlers"
	"otc-backend/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const serviceName = "otc-backend"

var version = "dev"

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return logger
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	cfg := config.AppConfig
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	logger := newLogger(cfg.Log)

	container, err := app.InitializeContainer(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize services: %v", err)
	}
	defer container.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Facilitator loop, unless this instance only serves HTTP
	var (
		retrier  handlers.FinalizationRetrier
		loopInfo handlers.FacilitatorStatusSource
	)
	if cfg.Facilitator.Disabled {
		logger.Warn("Facilitator loop disabled, settlements will not progress past created from this instance")
	} else {
		container.FacilitatorService.Start(ctx)
		retrier = container.Orchestrator
		loopInfo = container.FacilitatorService
	}
	container.MonitoringService.Start()

	serviceCfg := container.SettlementService.Config()
	engine := router.SetupRouter(cfg, router.Handlers{
		Payment:    handlers.NewPaymentHandler(container.SettlementService, cfg.Payment.Realm, logger),
		Settlement: handlers.NewSettlementHandler(container.SettlementService, retrier, logger),
		Health: handlers.NewHealthHandler(handlers.HealthInfo{
			Service:     serviceName,
			Version:     version,
			Chain:       cfg.Blockchain.ChainName,
			ChainID:     cfg.Blockchain.ChainID,
			Seller:      serviceCfg.Seller,
			Facilitator: container.Ledger.FacilitatorAddress().Hex(),
			Contracts: map[string]string{
				"settlement_token": serviceCfg.SettlementToken,
				"payment_token":    serviceCfg.PaymentToken,
				"asset_token":      serviceCfg.AssetToken,
				"settlement_vault": serviceCfg.SettlementVault,
				"permit_puller":    serviceCfg.PermitPuller,
			},
		}, container.Ledger, loopInfo),
		Events: handlers.NewEventsHandler(container.EventTracker),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"chain_id": cfg.Blockchain.ChainID,
			"version":  version,
		}).Info("🚀 OTC facilitator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	cancel()
	if !cfg.Facilitator.Disabled {
		container.FacilitatorService.Stop()
	}
	container.MonitoringService.Stop()
	logger.Info("✅ Shutdown complete")
}
