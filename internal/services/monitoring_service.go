package services

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"otc-backend/internal/metrics"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// BalanceSource facilitator gas account
type BalanceSource interface {
	FacilitatorAddress() common.Address
	NativeBalance(ctx context.Context) (*big.Int, error)
}

// MonitoringService refreshes the registry and balance gauges on a timer
type MonitoringService struct {
	db                   *gorm.DB // nil when the registry is in memory
	repo                 repository.SettlementRepository
	balances             BalanceSource
	lowBalance           *big.Int
	stopCh               chan struct{}
	wg                   sync.WaitGroup
	balanceCheckInterval time.Duration
	statusInterval       time.Duration
}

func NewMonitoringService(
	db *gorm.DB,
	repo repository.SettlementRepository,
	balances BalanceSource,
	balanceCheckInterval time.Duration,
	lowBalance *big.Int,
) *MonitoringService {
	if balanceCheckInterval <= 0 {
		balanceCheckInterval = 60 * time.Second
	}
	return &MonitoringService{
		db:                   db,
		repo:                 repo,
		balances:             balances,
		lowBalance:           lowBalance,
		stopCh:               make(chan struct{}),
		balanceCheckInterval: balanceCheckInterval,
		statusInterval:       10 * time.Second,
	}
}

// Start launches the gauge refresh loops
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")

	if m.db != nil {
		m.wg.Add(1)
		go m.every(m.statusInterval, m.updateDatabaseMetrics)
	}

	m.wg.Add(1)
	go m.every(m.statusInterval, m.UpdateSettlementMetrics)

	if m.balances != nil {
		m.wg.Add(1)
		go m.every(m.balanceCheckInterval, m.UpdateBalance)
	}

	log.Println("✅ Monitoring service started")
}

// Stop waits for the refresh loops to exit
func (m *MonitoringService) Stop() {
	log.Println("🛑 Stopping monitoring service...")
	close(m.stopCh)
	m.wg.Wait()
	log.Println("✅ Monitoring service stopped")
}

func (m *MonitoringService) every(interval time.Duration, update func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			update()
		}
	}
}

func (m *MonitoringService) updateDatabaseMetrics() {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionActive.Set(float64(stats.OpenConnections - stats.Idle))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	if err := sqlDB.Ping(); err != nil {
		metrics.DBConnectionStatus.Set(0)
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}

// UpdateSettlementMetrics refreshes the per-status settlement gauge
func (m *MonitoringService) UpdateSettlementMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		log.Printf("⚠️ [Monitor] Failed to count settlements: %v", err)
		return
	}
	for _, status := range []models.SettlementStatus{
		models.SettlementStatusCreated,
		models.SettlementStatusFundsPulled,
		models.SettlementStatusFunded,
		models.SettlementStatusFinalityPending,
		models.SettlementStatusSettled,
		models.SettlementStatusExpired,
		models.SettlementStatusFailed,
	} {
		metrics.SettlementsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// UpdateBalance publishes the facilitator's native balance and warns when it runs low
func (m *MonitoringService) UpdateBalance() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	address := m.balances.FacilitatorAddress()
	balance, err := m.balances.NativeBalance(ctx)
	if err != nil {
		log.Printf("⚠️ [Monitor] Failed to get balance for facilitator %s: %v", address.Hex(), err)
		return
	}

	// wei to ether
	balanceFloat := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(1e18))
	balanceValue, _ := balanceFloat.Float64()
	metrics.FacilitatorBalance.Set(balanceValue)

	if m.lowBalance != nil && balance.Cmp(m.lowBalance) < 0 {
		log.Printf("⚠️ [Monitor] Facilitator %s balance is low: %s wei (threshold %s)", address.Hex(), balance, m.lowBalance)
	}
}
