package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/metrics"
	"otc-backend/internal/models"
)

// ledgerSteps submits a call and waits for its receipt, turning the outcome
// into the typed ledger errors
type ledgerSteps struct {
	ledger  interfaces.LedgerGateway
	timeout time.Duration
}

// run returns the tx hash whenever the transaction was broadcast, even on error
func (l ledgerSteps) run(ctx context.Context, step models.SettlementStep, call interfaces.ContractCall) (*interfaces.Receipt, string, error) {
	start := time.Now()
	defer func() {
		metrics.LedgerStepDuration.WithLabelValues(string(step)).Observe(time.Since(start).Seconds())
	}()

	txHash, err := l.ledger.Submit(ctx, call)
	if err != nil {
		metrics.LedgerStepFailures.WithLabelValues(string(step), string(models.StepFailureSubmit)).Inc()
		return nil, "", fmt.Errorf("%s: submit %s.%s: %w", step, call.Contract, call.Method, err)
	}
	log.Printf("📤 [%s] %s.%s submitted: %s", step, call.Contract, call.Method, txHash)

	receipt, err := l.ledger.WaitReceipt(ctx, txHash, l.timeout)
	if err != nil {
		metrics.LedgerStepFailures.WithLabelValues(string(step), string(failureKind(err))).Inc()
		return nil, txHash, err
	}
	if !receipt.Succeeded() {
		metrics.LedgerStepFailures.WithLabelValues(string(step), string(models.StepFailureRejected)).Inc()
		return receipt, txHash, &interfaces.LedgerRejectionError{Step: string(step), TxHash: txHash, Block: receipt.BlockNumber}
	}

	log.Printf("✅ [%s] %s mined in block %d", step, txHash, receipt.BlockNumber)
	return receipt, txHash, nil
}

// failureKind classifies a step error for StepFailure records
func failureKind(err error) models.StepFailureKind {
	switch {
	case errors.Is(err, interfaces.ErrLedgerRejected):
		return models.StepFailureRejected
	case errors.Is(err, interfaces.ErrLedgerTimeout):
		return models.StepFailureTimeout
	default:
		return models.StepFailureSubmit
	}
}
