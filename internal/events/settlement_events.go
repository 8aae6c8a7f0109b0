// Package events defines the settlement lifecycle notifications fanned out to
// NATS subscribers, the in-memory tracker and websocket clients.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SettlementEventType lifecycle notification name
type SettlementEventType string

const (
	EventPaymentAccepted   SettlementEventType = "payment_accepted"
	EventPaymentRejected   SettlementEventType = "payment_rejected"
	EventCreated           SettlementEventType = "created"
	EventFundsPulled       SettlementEventType = "funds_pulled"
	EventFunded            SettlementEventType = "funded"
	EventFinalityPending   SettlementEventType = "finality_pending"
	EventFinalityConfirmed SettlementEventType = "finality_confirmed"
	EventSettled           SettlementEventType = "settled"
	EventExpired           SettlementEventType = "expired"
	EventFailed            SettlementEventType = "failed"
	EventStepFailed        SettlementEventType = "step_failed"
)

// SettlementEvent one lifecycle notification
type SettlementEvent struct {
	ID           string              `json:"id"`
	Type         SettlementEventType `json:"type"`
	SettlementID string              `json:"settlement_id,omitempty"`
	Status       string              `json:"status,omitempty"`
	TxHash       string              `json:"tx_hash,omitempty"`
	BlockNumber  uint64              `json:"block_number,omitempty"`
	Message      string              `json:"message,omitempty"`
	Details      map[string]string   `json:"details,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// NewSettlementEvent stamps a new notification with an id and the current time
func NewSettlementEvent(t SettlementEventType, settlementID, message string) SettlementEvent {
	return SettlementEvent{
		ID:           uuid.New().String(),
		Type:         t,
		SettlementID: settlementID,
		Message:      message,
		Timestamp:    time.Now(),
	}
}

// WithTx attaches the transaction that caused the event
func (e SettlementEvent) WithTx(txHash string, block uint64) SettlementEvent {
	e.TxHash = txHash
	e.BlockNumber = block
	return e
}

// WithDetail adds one key/value detail
func (e SettlementEvent) WithDetail(key, value string) SettlementEvent {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// Subject NATS subject: <prefix>.<chain>.settlement.<type>
func Subject(prefix, chain string, t SettlementEventType) string {
	if prefix == "" {
		prefix = "otc"
	}
	chain = strings.ReplaceAll(strings.ToLower(chain), ".", "_")
	return fmt.Sprintf("%s.%s.settlement.%s", prefix, chain, t)
}

// Notifier receives lifecycle notifications. Implementations must not block.
type Notifier interface {
	Notify(event SettlementEvent)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(event SettlementEvent)

func (f NotifierFunc) Notify(event SettlementEvent) { f(event) }

// Fanout delivers each event to every non-nil notifier in order
type Fanout []Notifier

func (f Fanout) Notify(event SettlementEvent) {
	for _, n := range f {
		if n != nil {
			n.Notify(event)
		}
	}
}
