package models

import (
	"time"

	"github.com/google/uuid"
)

// StepFailureKind how a ledger step went wrong
type StepFailureKind string

const (
	StepFailureTimeout  StepFailureKind = "timeout"  // receipt did not arrive in time, outcome unknown
	StepFailureRejected StepFailureKind = "rejected" // mined but reverted
	StepFailureSubmit   StepFailureKind = "submit"   // never reached the chain
)

// SettlementStep on-chain action taken for a settlement
type SettlementStep string

const (
	StepCreate          SettlementStep = "create"
	StepPull            SettlementStep = "pull"
	StepSwap            SettlementStep = "swap"
	StepConfirmFinality SettlementStep = "confirm_finality"
	StepExecute         SettlementStep = "execute"
)

// StepFailure record of a failed ledger step, kept for operators
type StepFailure struct {
	ID           string          `json:"id" gorm:"primaryKey;size:36"` // UUID
	SettlementID string          `json:"settlement_id" gorm:"size:66;index"`
	Step         SettlementStep  `json:"step" gorm:"size:32;not null"`
	Kind         StepFailureKind `json:"kind" gorm:"size:16;not null"`

	TxHash string `json:"tx_hash" gorm:"size:66"`
	Error  string `json:"error" gorm:"type:text"`

	RetryCount int        `json:"retry_count" gorm:"default:0"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

func (StepFailure) TableName() string {
	return "otc_step_failures"
}

// NewStepFailure builds a failure record with a fresh id
func NewStepFailure(settlementID string, step SettlementStep, kind StepFailureKind, txHash string, err error) *StepFailure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StepFailure{
		ID:           uuid.New().String(),
		SettlementID: settlementID,
		Step:         step,
		Kind:         kind,
		TxHash:       txHash,
		Error:        msg,
		CreatedAt:    time.Now(),
	}
}

// Retryable reverted steps are not retried with identical parameters
func (f *StepFailure) Retryable() bool {
	return f.ResolvedAt == nil && f.Kind != StepFailureRejected
}

// MarkResolved a later attempt or re-observation went through
func (f *StepFailure) MarkResolved(txHash string) {
	if txHash != "" {
		f.TxHash = txHash
	}
	now := time.Now()
	f.ResolvedAt = &now
}
