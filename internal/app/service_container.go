package app

import (
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"otc-backend/internal/clients"
	"otc-backend/internal/config"
	"otc-backend/internal/db"
	"otc-backend/internal/events"
	"otc-backend/internal/repository"
	"otc-backend/internal/services"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ServiceContainer wires the facilitator's dependencies once at startup
type ServiceContainer struct {
	Config *config.Config

	// Database (nil when the registry is in memory)
	DB *gorm.DB

	// Repositories
	SettlementRepo repository.SettlementRepository
	CursorRepo     repository.CursorRepository

	// Clients
	Ledger     *clients.EthereumLedger
	Rates      *clients.RateClient
	NATSClient *clients.NATSClient

	// Lifecycle notifications
	EventTracker *services.EventTracker
	Notifier     events.Fanout

	// Core Services
	FinalityMonitor    *services.FinalityMonitor
	Orchestrator       *services.SettlementOrchestrator
	SettlementService  *services.SettlementService
	FacilitatorService *services.FacilitatorService
	MonitoringService  *services.MonitoringService
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds every service from cfg; later calls return the same container
func InitializeContainer(cfg *config.Config) (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		Container, initErr = buildContainer(cfg)
	})

	return Container, initErr
}

// buildContainer releases whatever it already opened when a later stage fails
func buildContainer(cfg *config.Config) (*ServiceContainer, error) {
	log.Println("🚀 Initializing Service Container...")

	container := &ServiceContainer{Config: cfg}

	// 1. Repositories
	if err := container.initRepositories(); err != nil {
		container.Cleanup()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	// 2. Ledger and rate clients
	if err := container.initClients(); err != nil {
		container.Cleanup()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	// 3. Event services (optional, based on config)
	if err := container.initEventServices(); err != nil {
		log.Printf("⚠️ Event services initialization skipped or failed: %v", err)
	}

	// 4. Core services
	if err := container.initCoreServices(); err != nil {
		container.Cleanup()
		return nil, fmt.Errorf("failed to initialize core services: %w", err)
	}

	log.Println("✅ Service Container initialized successfully")
	return container, nil
}

func (c *ServiceContainer) initRepositories() error {
	log.Println("📦 Initializing Repositories...")

	if !c.Config.Database.Enabled {
		c.SettlementRepo = repository.NewMemorySettlementRepository()
		c.CursorRepo = repository.NewMemoryCursorRepository()
		log.Println("⚠️ Database disabled, settlement registry is in memory and rescans from the start block on restart")
		return nil
	}

	gormDB, err := db.InitDB(c.Config.Database.DSN)
	if err != nil {
		return err
	}
	c.DB = gormDB
	c.SettlementRepo = repository.NewSettlementRepository(gormDB)
	c.CursorRepo = repository.NewCursorRepository(gormDB)

	log.Println("✅ Repositories initialized")
	return nil
}

func (c *ServiceContainer) initClients() error {
	log.Println("🔧 Initializing Clients...")

	ledger, err := clients.NewEthereumLedger(c.Config)
	if err != nil {
		return err
	}
	c.Ledger = ledger

	fallback, err := decimal.NewFromString(c.Config.Rate.DefaultUSDPerEUR)
	if err != nil {
		return &config.ConfigurationError{Field: "rate.defaultUsdPerEur", Reason: err.Error()}
	}
	c.Rates = clients.NewRateClient(
		c.Config.Rate.APIURL,
		fallback,
		time.Duration(c.Config.Rate.CacheTTLSeconds)*time.Second,
		time.Duration(c.Config.Rate.TimeoutSeconds)*time.Second,
	)

	log.Printf("✅ Clients initialized (facilitator %s)", ledger.FacilitatorAddress().Hex())
	return nil
}

// initEventServices tracker always, NATS when configured
func (c *ServiceContainer) initEventServices() error {
	c.EventTracker = services.NewEventTracker(services.DefaultTrackedEvents)
	c.Notifier = events.Fanout{c.EventTracker}

	if !c.Config.NATS.Enabled || c.Config.NATS.URL == "" {
		return fmt.Errorf("NATS not configured")
	}

	log.Println("📡 Initializing NATS publisher...")
	natsClient, err := clients.NewNATSClient(clients.NATSOptions{
		URL:           c.Config.NATS.URL,
		Timeout:       time.Duration(c.Config.NATS.Timeout) * time.Second,
		ReconnectWait: time.Duration(c.Config.NATS.ReconnectWait) * time.Second,
		SubjectPrefix: c.Config.NATS.SubjectPrefix,
		Chain:         c.Config.Blockchain.ChainName,
	})
	if err != nil {
		log.Printf("❌ Failed to connect to NATS at %s: %v", c.Config.NATS.URL, err)
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	c.NATSClient = natsClient
	c.Notifier = append(c.Notifier, natsClient)

	log.Printf("✅ NATS publisher connected: %s", c.Config.NATS.URL)
	return nil
}

func (c *ServiceContainer) initCoreServices() error {
	log.Println("🔧 Initializing Core Services...")

	serviceCfg, err := services.NewSettlementServiceConfig(c.Config)
	if err != nil {
		return err
	}
	c.SettlementService = services.NewSettlementService(c.SettlementRepo, c.Ledger, c.Rates, serviceCfg, c.Notifier)

	c.FinalityMonitor = services.NewFinalityMonitor(c.SettlementRepo, c.Config.Facilitator.FinalityConfirmations)
	c.Orchestrator = services.NewSettlementOrchestrator(c.SettlementRepo, c.Ledger, c.FinalityMonitor, services.OrchestratorConfig{
		ReceiptTimeout:  c.Config.ReceiptTimeout(),
		SettlementTTL:   c.Config.PaymentDeadline(),
		SettlementToken: serviceCfg.SettlementToken,
		PaymentToken:    serviceCfg.PaymentToken,
	}, c.Notifier)
	c.FacilitatorService = services.NewFacilitatorService(c.Ledger, c.CursorRepo, c.Orchestrator, c.FinalityMonitor, services.FacilitatorConfig{
		PollInterval:  c.Config.PollInterval(),
		StartBlock:    c.Config.Facilitator.StartBlock,
		MaxBlockRange: c.Config.Facilitator.MaxBlockRange,
	})

	lowBalance, ok := new(big.Int).SetString(c.Config.Monitoring.LowBalanceWei, 10)
	if !ok {
		return &config.ConfigurationError{Field: "monitoring.lowBalanceWei", Reason: "not an integer"}
	}
	c.MonitoringService = services.NewMonitoringService(
		c.DB,
		c.SettlementRepo,
		c.Ledger,
		time.Duration(c.Config.Monitoring.BalanceCheckIntervalSeconds)*time.Second,
		lowBalance,
	)

	log.Println("✅ Core Services initialized")
	return nil
}

// Cleanup releases connections; call after the facilitator and monitor are stopped
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")

	if c.EventTracker != nil {
		c.EventTracker.Close()
	}
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	if c.Ledger != nil {
		c.Ledger.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	log.Println("✅ Service Container cleaned up")
}
