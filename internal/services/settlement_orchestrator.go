package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"otc-backend/internal/config"
	"otc-backend/internal/events"
	"otc-backend/internal/interfaces"
	"otc-backend/internal/metrics"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"
)

// ErrNotEligible finalization was requested for a settlement that is not ready
var ErrNotEligible = errors.New("settlement is not eligible for finalization")

// OrchestratorConfig static settings for the orchestrator
type OrchestratorConfig struct {
	ReceiptTimeout  time.Duration
	SettlementTTL   time.Duration // how long a settlement may sit at created
	SettlementToken string
	PaymentToken    string
}

// SettlementOrchestrator applies vault events to the registry and drives the
// swap and finalization transactions. Every transition is idempotent.
type SettlementOrchestrator struct {
	repo     repository.SettlementRepository
	ledger   interfaces.LedgerGateway
	monitor  *FinalityMonitor
	steps    ledgerSteps
	cfg      OrchestratorConfig
	notifier events.Notifier
	now      func() time.Time

	// per-settlement locks serialize Finalize against the admin retry
	locks sync.Map
}

func NewSettlementOrchestrator(
	repo repository.SettlementRepository,
	ledger interfaces.LedgerGateway,
	monitor *FinalityMonitor,
	cfg OrchestratorConfig,
	notifier events.Notifier,
) *SettlementOrchestrator {
	if notifier == nil {
		notifier = events.Fanout{}
	}
	return &SettlementOrchestrator{
		repo:     repo,
		ledger:   ledger,
		monitor:  monitor,
		steps:    ledgerSteps{ledger: ledger, timeout: cfg.ReceiptTimeout},
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
	}
}

func (o *SettlementOrchestrator) lockFor(id string) *sync.Mutex {
	lock, _ := o.locks.LoadOrStore(models.NormalizeSettlementID(id), &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// ProcessEvents validates, sorts by (block, log index) and applies a batch.
// Malformed events are skipped; only registry errors abort the batch.
func (o *SettlementOrchestrator) ProcessEvents(ctx context.Context, batch []models.LedgerEvent) error {
	valid := make([]models.LedgerEvent, 0, len(batch))
	for _, ev := range batch {
		if err := ev.Validate(); err != nil {
			log.Printf("⚠️ [Orchestrator] Skipping event in tx %s: %v", ev.TxHash, err)
			metrics.LedgerEventsProcessed.WithLabelValues(string(ev.Kind()), "malformed").Inc()
			continue
		}
		ev.SettlementID = models.NormalizeSettlementID(ev.SettlementID)
		valid = append(valid, ev)
	}
	models.SortLedgerEvents(valid)

	for _, ev := range valid {
		if err := o.apply(ctx, ev); err != nil {
			metrics.LedgerEventsProcessed.WithLabelValues(string(ev.Kind()), "error").Inc()
			return fmt.Errorf("apply %s for %s (block %d, log %d): %w", ev.Kind(), ev.SettlementID, ev.BlockNumber, ev.LogIndex, err)
		}
		metrics.LedgerEventsProcessed.WithLabelValues(string(ev.Kind()), "ok").Inc()
	}
	return nil
}

func (o *SettlementOrchestrator) apply(ctx context.Context, ev models.LedgerEvent) error {
	switch p := ev.Payload.(type) {
	case models.SettlementCreatedPayload:
		return o.onSettlementCreated(ctx, ev, p)
	case models.FundsPulledPayload:
		return o.onFundsPulled(ctx, ev, p)
	case models.VaultFundedPayload:
		return o.onVaultFunded(ctx, ev, p)
	case models.SettlementExecutedPayload:
		return o.onSettlementExecuted(ctx, ev, p)
	}
	return fmt.Errorf("%w: unknown payload %T", models.ErrMalformedEvent, ev.Payload)
}

// load returns nil without error for settlements this facilitator never saw created
func (o *SettlementOrchestrator) load(ctx context.Context, ev models.LedgerEvent) (*models.Settlement, error) {
	s, err := o.repo.Get(ctx, ev.SettlementID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Printf("⚠️ [Orchestrator] %s for unknown settlement %s (block %d), ignoring", ev.Kind(), ev.SettlementID, ev.BlockNumber)
		return nil, nil
	}
	return s, err
}

func (o *SettlementOrchestrator) onSettlementCreated(ctx context.Context, ev models.LedgerEvent, p models.SettlementCreatedPayload) error {
	now := o.now()
	// anchored to the creation block so a rescan never extends the deadline
	created := ev.BlockTime
	if created.IsZero() || created.After(now) {
		created = now
	}
	s := &models.Settlement{
		ID:                       ev.SettlementID,
		Client:                   p.Client,
		Seller:                   p.Seller,
		AssetToken:               p.AssetToken,
		SettlementToken:          o.cfg.SettlementToken,
		PaymentToken:             o.cfg.PaymentToken,
		AssetAmount:              p.AssetAmount,
		RequiredSettlementAmount: p.RequiredUSDC,
		MaxPaymentAmount:         p.MaxEURC,
		Deadline:                 created.Add(o.cfg.SettlementTTL),
		Status:                   models.SettlementStatusCreated,
		CreatedBlock:             ev.BlockNumber,
		CreateTxHash:             ev.TxHash,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	err := o.repo.Insert(ctx, s)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("📦 [Orchestrator] Settlement %s created: client=%s required=%s max=%s",
		s.ID, s.Client, s.RequiredSettlementAmount, s.MaxPaymentAmount)
	metrics.SettlementTransitions.WithLabelValues("", string(models.SettlementStatusCreated)).Inc()
	o.notify(events.EventCreated, s.ID, models.SettlementStatusCreated, ev.TxHash, ev.BlockNumber, "settlement created on chain")
	return nil
}

func (o *SettlementOrchestrator) onFundsPulled(ctx context.Context, ev models.LedgerEvent, p models.FundsPulledPayload) error {
	s, err := o.load(ctx, ev)
	if s == nil || err != nil {
		return err
	}
	if s.Status.ReachedOrPassed(models.SettlementStatusFundsPulled) {
		return nil
	}

	pulled := p.EURCAmount
	swapped, err := o.repo.CompareAndSetStatus(ctx, s.ID, s.Status, models.SettlementStatusFundsPulled, func(st *models.Settlement) {
		st.ActualPayment = &pulled
		if st.PullTxHash == "" {
			st.PullTxHash = ev.TxHash
		}
	})
	if err != nil {
		return err
	}
	if !swapped {
		// a concurrent writer moved it first
		return nil
	}
	metrics.SettlementTransitions.WithLabelValues(string(s.Status), string(models.SettlementStatusFundsPulled)).Inc()
	o.notify(events.EventFundsPulled, s.ID, models.SettlementStatusFundsPulled, ev.TxHash, ev.BlockNumber, "payment pulled with permit")

	o.executeSwap(ctx, s)
	return nil
}

// executeSwap converts the pulled payment into the settlement currency.
// The spend is capped by the buyer's budget and the output floored at the requirement.
func (o *SettlementOrchestrator) executeSwap(ctx context.Context, s *models.Settlement) {
	idBytes, err := settlementIDBytes(s.ID)
	if err != nil {
		o.recordFailure(ctx, s.ID, models.StepSwap, "", err)
		return
	}
	// a re-scan replays FundsPulled for swaps the vault has already seen
	if o.swapDoneOnChain(ctx, s.ID) {
		log.Printf("ℹ️ [Orchestrator] Swap for %s already done on chain, waiting for VaultFunded", s.ID)
		return
	}

	call := interfaces.ContractCall{
		Contract: config.ContractFacilitatorHook,
		Method:   "executeSwap",
		Args:     []interface{}{idBytes, s.MaxPaymentAmount.Big(), s.RequiredSettlementAmount.Big()},
	}

	_, txHash, err := o.steps.run(ctx, models.StepSwap, call)
	if err != nil {
		if errors.Is(err, interfaces.ErrLedgerRejected) && o.swapDoneOnChain(ctx, s.ID) {
			log.Printf("ℹ️ [Orchestrator] Swap %s reverted for %s but the vault is already funded, continuing", txHash, s.ID)
			return
		}
		o.recordFailure(ctx, s.ID, models.StepSwap, txHash, err)
		if errors.Is(err, interfaces.ErrLedgerRejected) {
			o.markFailed(ctx, s.ID, err)
		} else {
			log.Printf("⚠️ [Orchestrator] Swap for %s unresolved, staying at funds_pulled: %v", s.ID, err)
		}
		return
	}

	if err := o.repo.Patch(ctx, s.ID, func(st *models.Settlement) { st.SwapTxHash = txHash }); err != nil {
		log.Printf("⚠️ [Orchestrator] Failed to store swap tx for %s: %v", s.ID, err)
	}
	log.Printf("✅ [Orchestrator] Swap executed for %s: %s", s.ID, txHash)
}

// swapDoneOnChain a failed view read counts as not done; the swap itself is the final check
func (o *SettlementOrchestrator) swapDoneOnChain(ctx context.Context, id string) bool {
	view, err := readOnChainSettlement(ctx, o.ledger, id)
	if err != nil {
		log.Printf("⚠️ [Orchestrator] Vault view for %s failed: %v", id, err)
		return false
	}
	return view.SwapDone()
}

func (o *SettlementOrchestrator) onVaultFunded(ctx context.Context, ev models.LedgerEvent, p models.VaultFundedPayload) error {
	s, err := o.load(ctx, ev)
	if s == nil || err != nil {
		return err
	}
	if s.Status.ReachedOrPassed(models.SettlementStatusFunded) {
		return nil
	}

	fundedBlock := p.BlockNumber
	if fundedBlock == 0 {
		fundedBlock = ev.BlockNumber
	}
	fundedAt := o.now()
	_, err = o.repo.UpdateStatus(ctx, s.ID, models.SettlementStatusFunded, func(st *models.Settlement) {
		st.FundedBlock = fundedBlock
		st.FundedAt = &fundedAt
		if st.SwapTxHash == "" {
			st.SwapTxHash = ev.TxHash
		}
	})
	if err != nil {
		return ignoreStale(err)
	}

	log.Printf("💰 [Orchestrator] Settlement %s funded at block %d", s.ID, fundedBlock)
	metrics.SettlementTransitions.WithLabelValues(string(s.Status), string(models.SettlementStatusFunded)).Inc()
	o.notify(events.EventFunded, s.ID, models.SettlementStatusFunded, ev.TxHash, fundedBlock, "settlement currency in vault")
	return nil
}

func (o *SettlementOrchestrator) onSettlementExecuted(ctx context.Context, ev models.LedgerEvent, p models.SettlementExecutedPayload) error {
	s, err := o.load(ctx, ev)
	if s == nil || err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		if s.Status != models.SettlementStatusSettled {
			log.Printf("⚠️ [Orchestrator] SettlementExecuted observed for %s settlement %s", s.Status, s.ID)
		}
		return nil
	}

	if err := o.markSettled(ctx, s, ev.TxHash); err != nil {
		return ignoreStale(err)
	}
	return nil
}

// ignoreStale treats a lost race against a newer status as success
func ignoreStale(err error) error {
	if errors.Is(err, repository.ErrStatusRegression) || errors.Is(err, repository.ErrTerminal) {
		return nil
	}
	return err
}

// Finalize runs confirmFinality then executeSettlement for an eligible settlement.
// Losing the funded -> finality_pending CAS means another caller owns it.
func (o *SettlementOrchestrator) Finalize(ctx context.Context, target *models.Settlement) error {
	lock := o.lockFor(target.ID)
	lock.Lock()
	defer lock.Unlock()

	s, err := o.repo.Get(ctx, target.ID)
	if err != nil {
		return err
	}

	switch s.Status {
	case models.SettlementStatusFunded:
		swapped, err := o.repo.CompareAndSetStatus(ctx, s.ID, models.SettlementStatusFunded, models.SettlementStatusFinalityPending, nil)
		if err != nil {
			return err
		}
		if !swapped {
			return nil
		}
		metrics.SettlementTransitions.WithLabelValues(string(models.SettlementStatusFunded), string(models.SettlementStatusFinalityPending)).Inc()
		o.notify(events.EventFinalityPending, s.ID, models.SettlementStatusFinalityPending, "", s.FundedBlock, "finality reached, confirming")
	case models.SettlementStatusFinalityPending:
		log.Printf("🔄 [Orchestrator] Resuming finalization of %s", s.ID)
	default:
		return nil
	}

	idBytes, err := settlementIDBytes(s.ID)
	if err != nil {
		return err
	}

	if s.FinalityTxHash == "" {
		_, txHash, err := o.steps.run(ctx, models.StepConfirmFinality, vaultCall("confirmFinality", idBytes))
		if err != nil {
			o.recordFailure(ctx, s.ID, models.StepConfirmFinality, txHash, err)
			if !errors.Is(err, interfaces.ErrLedgerRejected) {
				return err
			}
			view, viewErr := readOnChainSettlement(ctx, o.ledger, s.ID)
			if viewErr != nil {
				log.Printf("⚠️ [Orchestrator] confirmFinality reverted for %s and the vault view failed, retrying later: %v", s.ID, viewErr)
				return err
			}
			if !view.FinalityConfirmed() {
				o.markFailed(ctx, s.ID, err)
				return err
			}
			log.Printf("ℹ️ [Orchestrator] confirmFinality reverted for %s but the vault already has it confirmed, continuing", s.ID)
		} else {
			if err := o.repo.Patch(ctx, s.ID, func(st *models.Settlement) { st.FinalityTxHash = txHash }); err != nil {
				return err
			}
			_ = o.repo.ResolveFailures(ctx, s.ID, models.StepConfirmFinality, txHash)
			o.notify(events.EventFinalityConfirmed, s.ID, models.SettlementStatusFinalityPending, txHash, 0, "finality confirmed on chain")
		}
	}

	_, txHash, err := o.steps.run(ctx, models.StepExecute, vaultCall("executeSettlement", idBytes))
	if err != nil {
		o.recordFailure(ctx, s.ID, models.StepExecute, txHash, err)
		if !errors.Is(err, interfaces.ErrLedgerRejected) {
			return err
		}
		view, viewErr := readOnChainSettlement(ctx, o.ledger, s.ID)
		if viewErr != nil {
			log.Printf("⚠️ [Orchestrator] executeSettlement reverted for %s and the vault view failed, retrying later: %v", s.ID, viewErr)
			return err
		}
		if !view.Executed() {
			o.markFailed(ctx, s.ID, err)
			return err
		}
		log.Printf("ℹ️ [Orchestrator] executeSettlement reverted for %s but the vault already executed it", s.ID)
		txHash = ""
	}

	current, err := o.repo.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return nil
	}
	return o.markSettled(ctx, current, txHash)
}

// RetryFinalization operator-triggered finalization of a single settlement
func (o *SettlementOrchestrator) RetryFinalization(ctx context.Context, id string) (*models.Settlement, error) {
	s, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case models.SettlementStatusFinalityPending:
	case models.SettlementStatusFunded:
		current, err := o.ledger.CurrentBlock(ctx)
		if err != nil {
			return nil, err
		}
		if !o.monitor.IsFinal(s.FundedBlock, current) {
			return s, fmt.Errorf("%w: funded at block %d, current %d, need %d confirmations",
				ErrNotEligible, s.FundedBlock, current, o.monitor.Confirmations())
		}
	default:
		return s, fmt.Errorf("%w: status is %s", ErrNotEligible, s.Status)
	}

	log.Printf("🔧 [Orchestrator] Manual finalization requested for %s (%s)", s.ID, s.Status)
	finalizeErr := o.Finalize(ctx, s)

	updated, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return updated, finalizeErr
}

// ExpireStale moves settlements stuck at created past their deadline to expired
func (o *SettlementOrchestrator) ExpireStale(ctx context.Context) (int, error) {
	created, err := o.repo.ListByStatus(ctx, models.SettlementStatusCreated)
	if err != nil {
		return 0, err
	}

	now := o.now()
	count := 0
	for _, s := range created {
		if s.Deadline.IsZero() || !now.After(s.Deadline) {
			continue
		}
		swapped, err := o.repo.CompareAndSetStatus(ctx, s.ID, models.SettlementStatusCreated, models.SettlementStatusExpired, func(st *models.Settlement) {
			st.LastError = fmt.Sprintf("no payment pulled before %s", s.Deadline.Format(time.RFC3339))
		})
		if err != nil {
			return count, err
		}
		if !swapped {
			continue
		}
		count++
		log.Printf("⏰ [Orchestrator] Settlement %s expired (deadline %s)", s.ID, s.Deadline.Format(time.RFC3339))
		metrics.SettlementTransitions.WithLabelValues(string(models.SettlementStatusCreated), string(models.SettlementStatusExpired)).Inc()
		o.notify(events.EventExpired, s.ID, models.SettlementStatusExpired, "", 0, "payment deadline passed")
	}
	return count, nil
}

func (o *SettlementOrchestrator) markSettled(ctx context.Context, s *models.Settlement, txHash string) error {
	settledAt := o.now()
	_, err := o.repo.UpdateStatus(ctx, s.ID, models.SettlementStatusSettled, func(st *models.Settlement) {
		st.SettledAt = &settledAt
		st.LastError = ""
		if txHash != "" {
			st.SettleTxHash = txHash
		}
	})
	if err != nil {
		return err
	}
	_ = o.repo.ResolveFailures(ctx, s.ID, models.StepExecute, txHash)

	log.Printf("🎉 [Orchestrator] Settlement %s settled", s.ID)
	metrics.SettlementTransitions.WithLabelValues(string(s.Status), string(models.SettlementStatusSettled)).Inc()
	if !s.CreatedAt.IsZero() {
		metrics.SettlementDuration.Observe(settledAt.Sub(s.CreatedAt).Seconds())
	}
	o.notify(events.EventSettled, s.ID, models.SettlementStatusSettled, txHash, 0, "asset released to buyer")
	return nil
}

func (o *SettlementOrchestrator) markFailed(ctx context.Context, id string, cause error) {
	prev, _ := o.repo.Get(ctx, id)
	_, err := o.repo.UpdateStatus(ctx, id, models.SettlementStatusFailed, func(st *models.Settlement) {
		st.LastError = cause.Error()
	})
	if err != nil {
		log.Printf("❌ [Orchestrator] Failed to mark %s failed: %v", id, err)
		return
	}
	log.Printf("❌ [Orchestrator] Settlement %s failed: %v", id, cause)
	from := ""
	if prev != nil {
		from = string(prev.Status)
	}
	metrics.SettlementTransitions.WithLabelValues(from, string(models.SettlementStatusFailed)).Inc()
	o.notify(events.EventFailed, id, models.SettlementStatusFailed, "", 0, cause.Error())
}

func (o *SettlementOrchestrator) recordFailure(ctx context.Context, id string, step models.SettlementStep, txHash string, cause error) {
	failure := models.NewStepFailure(id, step, failureKind(cause), txHash, cause)
	if err := o.repo.RecordFailure(ctx, failure); err != nil {
		log.Printf("❌ [Orchestrator] Failed to record %s failure for %s: %v", step, id, err)
	}
	if err := o.repo.Patch(ctx, id, func(st *models.Settlement) { st.LastError = cause.Error() }); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Printf("⚠️ [Orchestrator] Failed to store last error for %s: %v", id, err)
	}
	o.notifier.Notify(events.NewSettlementEvent(events.EventStepFailed, id, cause.Error()).
		WithTx(txHash, 0).
		WithDetail("step", string(step)).
		WithDetail("code", interfaces.LedgerErrorCode(cause)))
}

func (o *SettlementOrchestrator) notify(t events.SettlementEventType, id string, status models.SettlementStatus, txHash string, block uint64, message string) {
	ev := events.NewSettlementEvent(t, id, message).WithTx(txHash, block)
	ev.Status = string(status)
	o.notifier.Notify(ev)
}
