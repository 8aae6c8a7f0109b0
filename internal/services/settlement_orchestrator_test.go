package services

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"otc-backend/internal/events"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testSeller = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	testAsset  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type orchestratorFixture struct {
	repo         repository.SettlementRepository
	ledger       *fakeLedger
	orchestrator *SettlementOrchestrator
	notified     []events.SettlementEvent
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		repo:   repository.NewMemorySettlementRepository(),
		ledger: newFakeLedger(),
	}
	monitor := NewFinalityMonitor(f.repo, 10)
	f.orchestrator = NewSettlementOrchestrator(f.repo, f.ledger, monitor, OrchestratorConfig{
		ReceiptTimeout: time.Second,
		SettlementTTL:  time.Hour,
	}, events.NotifierFunc(func(ev events.SettlementEvent) {
		f.notified = append(f.notified, ev)
	}))
	return f
}

func settlementID(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func lifecycle(id string, base uint64) []models.LedgerEvent {
	return []models.LedgerEvent{
		{BlockNumber: base, LogIndex: 0, TxHash: "0xc1", SettlementID: id, Payload: models.SettlementCreatedPayload{
			Client:       testClient,
			Seller:       testSeller,
			AssetToken:   testAsset,
			AssetAmount:  models.NewAmount(new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))),
			RequiredUSDC: models.AmountFromUint64(55_000_000),
			MaxEURC:      models.AmountFromUint64(60_000_000),
		}},
		{BlockNumber: base + 1, LogIndex: 0, TxHash: "0xc2", SettlementID: id, Payload: models.FundsPulledPayload{
			EURCAmount:  models.AmountFromUint64(60_000_000),
			AssetAmount: models.NewAmount(new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))),
		}},
		{BlockNumber: base + 2, LogIndex: 3, TxHash: "0xc3", SettlementID: id, Payload: models.VaultFundedPayload{
			Client:      testClient,
			USDCAmount:  models.AmountFromUint64(55_000_000),
			BlockNumber: base + 2,
		}},
		{BlockNumber: base + 20, LogIndex: 1, TxHash: "0xc4", SettlementID: id, Payload: models.SettlementExecutedPayload{
			Client:      testClient,
			AssetAmount: models.NewAmount(new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))),
		}},
	}
}

func TestProcessEventsCreatesSettlement(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(1)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[:1]))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusCreated, s.Status)
	assert.Equal(t, "55000000", s.RequiredSettlementAmount.String())
	assert.Equal(t, "60000000", s.MaxPaymentAmount.String())
	assert.Equal(t, uint64(10), s.CreatedBlock)
	assert.Equal(t, "0xc1", s.CreateTxHash)

	// replaying creation is a no-op
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[:1]))
	list, err := f.repo.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFundsPulledIssuesExactlyOneSwap(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(2)
	evs := lifecycle(id, 10)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, evs[:1]))
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, []models.LedgerEvent{evs[1], evs[1]}))
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, []models.LedgerEvent{evs[1]}))

	assert.Equal(t, 1, f.ledger.count("executeSwap"))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFundsPulled, s.Status)
	require.NotNil(t, s.ActualPayment)
	assert.Equal(t, "60000000", s.ActualPayment.String())
	assert.NotEmpty(t, s.SwapTxHash)

	swap := f.ledger.calls[0]
	assert.Equal(t, "executeSwap", swap.Method)
	assert.Equal(t, "60000000", swap.Args[1].(*big.Int).String())
	assert.Equal(t, "55000000", swap.Args[2].(*big.Int).String())
}

func TestFundsPulledForUnknownSettlementIsIgnored(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(settlementID(3), 10)[1:2]))
	assert.Equal(t, 0, f.ledger.count("executeSwap"))
}

func TestSwapRevertMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(4)
	f.ledger.setRevert("executeSwap", true)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[:2]))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFailed, s.Status)
	assert.Contains(t, s.LastError, "reverted")

	failures, err := f.repo.ListFailures(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.StepSwap, failures[0].Step)
	assert.Equal(t, models.StepFailureRejected, failures[0].Kind)
	assert.False(t, failures[0].Retryable())
}

func TestSwapTimeoutStaysAtFundsPulled(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(5)
	f.ledger.setTimeout("executeSwap", true)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[:2]))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFundsPulled, s.Status)

	failures, err := f.repo.ListFailures(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, models.StepFailureTimeout, failures[0].Kind)
	assert.True(t, failures[0].Retryable())

	// the swap lands later and is observed on chain
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[2:3]))
	s, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFunded, s.Status)
	assert.Equal(t, uint64(12), s.FundedBlock)
}

func TestReplayedHistoryDoesNotSwapAgain(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(6)
	// the vault finished this settlement before the registry was lost
	f.ledger.setVaultStatus(id, models.ChainStatusExecuted)
	f.ledger.setRevert("executeSwap", true)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)))

	assert.Equal(t, 0, f.ledger.count("executeSwap"))
	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, s.Status)
	assert.Empty(t, s.LastError)

	failures, err := f.repo.ListFailures(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestSwapRevertAfterVaultFundedIsNotAFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(7)
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[:1]))

	// the view read before the swap fails, so the swap is sent and the vault rejects it
	f.ledger.setVaultStatus(id, models.ChainStatusFunded)
	f.ledger.failNextView()

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[1:2]))

	assert.Equal(t, 1, f.ledger.count("executeSwap"))
	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFundsPulled, s.Status)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)[2:]))
	s, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, s.Status)
}

func TestVaultFundedFallsBackToLogBlock(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(6)
	evs := lifecycle(id, 10)
	funded := evs[2]
	funded.Payload = models.VaultFundedPayload{Client: testClient, USDCAmount: models.AmountFromUint64(1)}

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, []models.LedgerEvent{evs[0], evs[1], funded}))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFunded, s.Status)
	assert.Equal(t, funded.BlockNumber, s.FundedBlock)
	assert.NotNil(t, s.FundedAt)
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(7)

	batch := []models.LedgerEvent{
		{BlockNumber: 1, TxHash: "0x01", SettlementID: id},
		{BlockNumber: 2, TxHash: "", SettlementID: id, Payload: models.FundsPulledPayload{EURCAmount: models.AmountFromUint64(1)}},
		{BlockNumber: 3, TxHash: "0x03", SettlementID: id, Payload: models.SettlementCreatedPayload{Client: testClient}},
	}
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, batch))

	_, err := f.repo.Get(ctx, id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStatusNeverRegressesUnderShuffledDuplicates(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newOrchestratorFixture(t)
			ctx := context.Background()
			id := settlementID(100 + int(seed))

			evs := lifecycle(id, 10)
			stream := append(append([]models.LedgerEvent{}, evs...), evs...)
			stream = append(stream, evs[1], evs[2])
			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(stream), func(i, j int) { stream[i], stream[j] = stream[j], stream[i] })

			lastRank := 0
			for _, ev := range stream {
				require.NoError(t, f.orchestrator.ProcessEvents(ctx, []models.LedgerEvent{ev}))
				s, err := f.repo.Get(ctx, id)
				if err != nil {
					continue
				}
				require.NotEqual(t, models.SettlementStatusFailed, s.Status)
				assert.GreaterOrEqual(t, s.Status.Rank(), lastRank, "status went back to %s", s.Status)
				lastRank = s.Status.Rank()
			}
			assert.LessOrEqual(t, f.ledger.count("executeSwap"), 1)
		})
	}
}

func TestShuffledBatchMatchesOrderedBatch(t *testing.T) {
	ctx := context.Background()
	id := settlementID(200)

	ordered := newOrchestratorFixture(t)
	require.NoError(t, ordered.orchestrator.ProcessEvents(ctx, lifecycle(id, 10)))

	shuffled := newOrchestratorFixture(t)
	evs := lifecycle(id, 10)
	batch := []models.LedgerEvent{evs[3], evs[1], evs[2], evs[0], evs[2]}
	require.NoError(t, shuffled.orchestrator.ProcessEvents(ctx, batch))

	a, err := ordered.repo.Get(ctx, id)
	require.NoError(t, err)
	b, err := shuffled.repo.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, models.SettlementStatusSettled, a.Status)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.FundedBlock, b.FundedBlock)
	assert.Equal(t, a.ActualPayment.String(), b.ActualPayment.String())
	assert.Equal(t, a.CreateTxHash, b.CreateTxHash)
	assert.Equal(t, ordered.ledger.count("executeSwap"), shuffled.ledger.count("executeSwap"))
}

// fundedSettlement drives a settlement to funded at fundedBlock
func fundedSettlement(t *testing.T, f *orchestratorFixture, id string, fundedBlock uint64) *models.Settlement {
	t.Helper()
	ctx := context.Background()
	evs := lifecycle(id, fundedBlock-2)
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, evs[:3]))
	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.SettlementStatusFunded, s.Status)
	return s
}

func TestFinalizeSettles(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(300)
	s := fundedSettlement(t, f, id, 50)

	require.NoError(t, f.orchestrator.Finalize(ctx, s))

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, got.Status)
	assert.NotEmpty(t, got.FinalityTxHash)
	assert.NotEmpty(t, got.SettleTxHash)
	assert.NotNil(t, got.SettledAt)

	// a second attempt finds it terminal and submits nothing
	require.NoError(t, f.orchestrator.Finalize(ctx, s))
	assert.Equal(t, 1, f.ledger.count("confirmFinality"))
	assert.Equal(t, 1, f.ledger.count("executeSettlement"))

	var types []events.SettlementEventType
	for _, ev := range f.notified {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.EventFinalityPending)
	assert.Contains(t, types, events.EventFinalityConfirmed)
	assert.Contains(t, types, events.EventSettled)
}

func TestFinalizeContinuesWhenFinalityAlreadyConfirmed(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(301)
	s := fundedSettlement(t, f, id, 50)

	f.ledger.setRevert("confirmFinality", true)
	f.ledger.setVaultStatus(id, models.ChainStatusFinalityConfirmed)

	require.NoError(t, f.orchestrator.Finalize(ctx, s))

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, got.Status)
	assert.Equal(t, 1, f.ledger.count("executeSettlement"))
}

func TestFinalizeConfirmRevertMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(302)
	s := fundedSettlement(t, f, id, 50)

	f.ledger.setRevert("confirmFinality", true)
	f.ledger.setVaultStatus(id, models.ChainStatusFunded)

	err := f.orchestrator.Finalize(ctx, s)
	require.Error(t, err)

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFailed, got.Status)
	assert.Equal(t, 0, f.ledger.count("executeSettlement"))
}

func TestFinalizeExecuteRevertAlreadyExecutedSettles(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(303)
	s := fundedSettlement(t, f, id, 50)

	f.ledger.setRevert("executeSettlement", true)
	// executed by an earlier run whose receipt was lost
	f.ledger.setVaultStatus(id, models.ChainStatusExecuted)

	require.NoError(t, f.orchestrator.Finalize(ctx, s))

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, got.Status)
}

func TestFinalizeExecuteRevertMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(304)
	s := fundedSettlement(t, f, id, 50)

	f.ledger.setRevert("executeSettlement", true)

	require.Error(t, f.orchestrator.Finalize(ctx, s))

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestFinalizeTimeoutResumesOnNextAttempt(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(305)
	s := fundedSettlement(t, f, id, 50)

	f.ledger.setTimeout("executeSettlement", true)
	require.Error(t, f.orchestrator.Finalize(ctx, s))

	got, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusFinalityPending, got.Status)
	assert.NotEmpty(t, got.FinalityTxHash)

	f.ledger.setTimeout("executeSettlement", false)
	require.NoError(t, f.orchestrator.Finalize(ctx, got))

	got, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, got.Status)
	// finality was already confirmed, so it is not sent again
	assert.Equal(t, 1, f.ledger.count("confirmFinality"))
	assert.Equal(t, 2, f.ledger.count("executeSettlement"))
}

func TestRetryFinalization(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(306)
	s := fundedSettlement(t, f, id, 200)

	// head is behind finality
	f.ledger.block = s.FundedBlock + 5
	_, err := f.orchestrator.RetryFinalization(ctx, id)
	assert.ErrorIs(t, err, ErrNotEligible)

	f.ledger.mine(5)
	got, err := f.orchestrator.RetryFinalization(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusSettled, got.Status)

	_, err = f.orchestrator.RetryFinalization(ctx, id)
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = f.orchestrator.RetryFinalization(ctx, settlementID(999))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	stale := settlementID(400)
	fresh := settlementID(401)

	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(stale, 10)[:1]))
	f.orchestrator.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(fresh, 20)[:1]))

	f.orchestrator.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	n, err := f.orchestrator.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := f.repo.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusExpired, s.Status)

	s, err = f.repo.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementStatusCreated, s.Status)

	// a late pull for an expired settlement does not trigger a swap
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, lifecycle(stale, 10)[1:2]))
	assert.Equal(t, 0, f.ledger.count("executeSwap"))
}

func TestDeadlineAnchoredToCreationBlock(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	id := settlementID(402)
	mined := time.Now().Add(-2 * time.Hour).Truncate(time.Second)

	created := lifecycle(id, 10)[:1]
	created[0].BlockTime = mined
	require.NoError(t, f.orchestrator.ProcessEvents(ctx, created))

	s, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.Deadline.Equal(mined.Add(time.Hour)), "deadline %s", s.Deadline)

	// rescanning old history does not hand out a fresh TTL
	n, err := f.orchestrator.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
