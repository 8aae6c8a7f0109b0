package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"otc-backend/internal/events"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type facilitatorFixture struct {
	repo        repository.SettlementRepository
	cursors     repository.CursorRepository
	ledger      *fakeLedger
	facilitator *FacilitatorService
}

func newFacilitatorFixture(t *testing.T, cfg FacilitatorConfig, confirmations uint64) *facilitatorFixture {
	t.Helper()
	f := &facilitatorFixture{
		repo:    repository.NewMemorySettlementRepository(),
		cursors: repository.NewMemoryCursorRepository(),
		ledger:  newFakeLedger(),
	}
	monitor := NewFinalityMonitor(f.repo, confirmations)
	orchestrator := NewSettlementOrchestrator(f.repo, f.ledger, monitor, OrchestratorConfig{
		ReceiptTimeout: time.Second,
		SettlementTTL:  time.Hour,
	}, events.Fanout{})
	f.facilitator = NewFacilitatorService(f.ledger, f.cursors, orchestrator, monitor, cfg)
	return f
}

func TestTickStartsBehindHeadWithoutCursor(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{}, 10)
	ctx := context.Background()

	require.NoError(t, f.facilitator.Tick(ctx))

	cursor, ok, err := f.cursors.Load(ctx, FacilitatorCursorName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), cursor)
	assert.Equal(t, uint64(100), f.facilitator.Status().LastProcessedBlock)
	assert.Equal(t, uint64(1), f.facilitator.Status().Ticks)
}

func TestTickScansInChunksFromStartBlock(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{StartBlock: 90, MaxBlockRange: 3}, 10)
	ctx := context.Background()

	// an event inside the historical range
	f.ledger.logs = append(f.ledger.logs, lifecycle(settlementID(1), 95)[0])

	require.NoError(t, f.facilitator.Tick(ctx))

	cursor, _, err := f.cursors.Load(ctx, FacilitatorCursorName)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor)

	s, err := f.repo.Get(ctx, settlementID(1))
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusCreated, s.Status)
}

func TestTickErrorDoesNotAdvanceCursor(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{StartBlock: 50}, 10)
	ctx := context.Background()
	require.NoError(t, f.cursors.Save(ctx, FacilitatorCursorName, 95))

	f.ledger.setEventsErr(errors.New("rpc unavailable"))
	require.Error(t, f.facilitator.Tick(ctx))

	cursor, _, err := f.cursors.Load(ctx, FacilitatorCursorName)
	require.NoError(t, err)
	assert.Equal(t, uint64(95), cursor)
	assert.Contains(t, f.facilitator.Status().LastError, "rpc unavailable")

	f.ledger.setEventsErr(nil)
	require.NoError(t, f.facilitator.Tick(ctx))
	cursor, _, err = f.cursors.Load(ctx, FacilitatorCursorName)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), cursor)
	assert.Empty(t, f.facilitator.Status().LastError)
}

func TestTickRescanIsIdempotent(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{StartBlock: 90}, 10)
	ctx := context.Background()
	id := settlementID(2)
	f.ledger.logs = append(f.ledger.logs, lifecycle(id, 92)[:2]...)

	require.NoError(t, f.facilitator.Tick(ctx))
	// a restart with a lost cursor replays the same blocks
	require.NoError(t, f.cursors.Save(ctx, FacilitatorCursorName, 89))
	require.NoError(t, f.facilitator.Tick(ctx))

	assert.Equal(t, 1, f.ledger.count("executeSwap"))
}

func TestTickFinalizesOnceFinal(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{StartBlock: 90}, 5)
	ctx := context.Background()
	id := settlementID(3)
	f.ledger.logs = append(f.ledger.logs, lifecycle(id, 93)[:3]...) // funded at block 95

	// head at 100: exactly five confirmations
	require.NoError(t, f.facilitator.Tick(ctx))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, s.Status)
	assert.Equal(t, 1, f.ledger.count("confirmFinality"))
	assert.Equal(t, 1, f.ledger.count("executeSettlement"))

	// later ticks observe SettlementExecuted and change nothing
	require.NoError(t, f.facilitator.Tick(ctx))
	require.NoError(t, f.facilitator.Tick(ctx))
	assert.Equal(t, 1, f.ledger.count("executeSettlement"))
}

func TestTickWaitsForFinality(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{StartBlock: 90}, 10)
	ctx := context.Background()
	id := settlementID(4)
	f.ledger.logs = append(f.ledger.logs, lifecycle(id, 93)[:3]...) // funded at block 95

	require.NoError(t, f.facilitator.Tick(ctx))
	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFunded, s.Status)
	assert.Equal(t, 0, f.ledger.count("confirmFinality"))
}

func TestStartStop(t *testing.T) {
	f := newFacilitatorFixture(t, FacilitatorConfig{PollInterval: 10 * time.Millisecond}, 10)

	f.facilitator.Start(context.Background())
	assert.Eventually(t, func() bool {
		return f.facilitator.Status().Ticks >= 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.facilitator.Status().Running)

	f.facilitator.Stop()
	assert.False(t, f.facilitator.Status().Running)
}
