package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/metrics"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"
)

// FacilitatorCursorName sync cursor key for the vault event scan
const FacilitatorCursorName = "settlement_vault"

const defaultMaxBlockRange = 2000

// FacilitatorConfig polling settings
type FacilitatorConfig struct {
	PollInterval  time.Duration
	StartBlock    uint64 // 0 starts just behind the head on first run
	MaxBlockRange uint64
}

// FacilitatorStatus snapshot for the health endpoint
type FacilitatorStatus struct {
	Running            bool      `json:"running"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	LastTickAt         time.Time `json:"last_tick_at,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	Ticks              uint64    `json:"ticks"`
}

// FacilitatorService polls the vault for lifecycle events, feeds them to the
// orchestrator and finalizes settlements once they reach finality.
type FacilitatorService struct {
	ledger       interfaces.LedgerGateway
	cursors      repository.CursorRepository
	orchestrator *SettlementOrchestrator
	monitor      *FinalityMonitor
	cfg          FacilitatorConfig

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	tickMu sync.Mutex // one tick at a time

	statusMu sync.RWMutex
	status   FacilitatorStatus
}

func NewFacilitatorService(
	ledger interfaces.LedgerGateway,
	cursors repository.CursorRepository,
	orchestrator *SettlementOrchestrator,
	monitor *FinalityMonitor,
	cfg FacilitatorConfig,
) *FacilitatorService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	return &FacilitatorService{
		ledger:       ledger,
		cursors:      cursors,
		orchestrator: orchestrator,
		monitor:      monitor,
		cfg:          cfg,
	}
}

// Start launches the polling loop; ctx cancellation also stops it
func (f *FacilitatorService) Start(ctx context.Context) {
	if f.running {
		return
	}
	log.Printf("🚀 Starting facilitator (poll=%v, confirmations=%d, max range=%d)",
		f.cfg.PollInterval, f.monitor.Confirmations(), f.cfg.MaxBlockRange)

	f.running = true
	f.stopCh = make(chan struct{})
	f.setRunning(true)

	f.wg.Add(1)
	go f.loop(ctx)

	log.Println("✅ Facilitator started")
}

// Stop waits for an in-flight tick to finish
func (f *FacilitatorService) Stop() {
	if !f.running {
		return
	}
	log.Println("🛑 Stopping facilitator...")
	close(f.stopCh)
	f.wg.Wait()
	f.running = false
	f.setRunning(false)
	log.Println("✅ Facilitator stopped")
}

func (f *FacilitatorService) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	f.runTick(ctx)
	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.runTick(ctx)
		}
	}
}

func (f *FacilitatorService) runTick(ctx context.Context) {
	if err := f.Tick(ctx); err != nil {
		log.Printf("❌ [Facilitator] Tick failed: %v", err)
	}
}

// Tick one poll: scan new blocks, apply events, finalize and expire.
// The cursor only advances past chunks whose events were fully applied.
func (f *FacilitatorService) Tick(ctx context.Context) (err error) {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.FacilitatorTicks.WithLabelValues(result).Inc()
		f.recordTick(err)
	}()

	current, err := f.ledger.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("current block: %w", err)
	}

	cursor, ok, err := f.cursors.Load(ctx, FacilitatorCursorName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		cursor = f.initialCursor(current)
		log.Printf("📍 [Facilitator] No cursor stored, starting after block %d", cursor)
	}

	for from := cursor + 1; from <= current; {
		to := from + f.cfg.MaxBlockRange - 1
		if to > current {
			to = current
		}
		if err := f.scan(ctx, from, to); err != nil {
			return err
		}
		if err := f.cursors.Save(ctx, FacilitatorCursorName, to); err != nil {
			return fmt.Errorf("save cursor at %d: %w", to, err)
		}
		f.setLastProcessed(to)
		from = to + 1
	}
	if cursor >= current {
		f.setLastProcessed(cursor)
	}

	eligible, err := f.monitor.Eligible(ctx, current)
	if err != nil {
		return fmt.Errorf("list eligible settlements: %w", err)
	}
	for _, s := range eligible {
		if err := f.orchestrator.Finalize(ctx, s); err != nil {
			log.Printf("⚠️ [Facilitator] Finalization of %s deferred: %v", s.ID, err)
		}
	}

	if _, err := f.orchestrator.ExpireStale(ctx); err != nil {
		return fmt.Errorf("expire stale settlements: %w", err)
	}
	return nil
}

func (f *FacilitatorService) initialCursor(current uint64) uint64 {
	if f.cfg.StartBlock > 0 {
		return f.cfg.StartBlock - 1
	}
	if current == 0 {
		return 0
	}
	return current - 1
}

// scan fetches every tracked kind in [from, to] and applies them as one batch
func (f *FacilitatorService) scan(ctx context.Context, from, to uint64) error {
	var batch []models.LedgerEvent
	for _, kind := range models.TrackedEventKinds {
		evs, err := f.ledger.GetEvents(ctx, kind, from, to)
		if err != nil {
			return fmt.Errorf("get %s events [%d,%d]: %w", kind, from, to, err)
		}
		batch = append(batch, evs...)
	}
	if len(batch) > 0 {
		log.Printf("🔍 [Facilitator] %d vault events in blocks [%d, %d]", len(batch), from, to)
	}
	return f.orchestrator.ProcessEvents(ctx, batch)
}

func (f *FacilitatorService) setRunning(running bool) {
	f.statusMu.Lock()
	f.status.Running = running
	f.statusMu.Unlock()
}

func (f *FacilitatorService) setLastProcessed(block uint64) {
	f.statusMu.Lock()
	f.status.LastProcessedBlock = block
	f.statusMu.Unlock()
	metrics.LastProcessedBlock.Set(float64(block))
}

func (f *FacilitatorService) recordTick(err error) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	f.status.Ticks++
	f.status.LastTickAt = time.Now()
	if err != nil {
		f.status.LastError = err.Error()
	} else {
		f.status.LastError = ""
	}
}

// Status current loop state
func (f *FacilitatorService) Status() FacilitatorStatus {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.status
}
