package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// EventKind on-chain vault event name
type EventKind string

const (
	EventSettlementCreated  EventKind = "SettlementCreated"
	EventFundsPulled        EventKind = "FundsPulled"
	EventVaultFunded        EventKind = "VaultFunded"
	EventSettlementExecuted EventKind = "SettlementExecuted"
)

// TrackedEventKinds every kind the facilitator scans for, in lifecycle order
var TrackedEventKinds = []EventKind{
	EventSettlementCreated,
	EventFundsPulled,
	EventVaultFunded,
	EventSettlementExecuted,
}

var ErrMalformedEvent = errors.New("malformed ledger event")

// EventPayload one variant of the ledger event union
type EventPayload interface {
	Kind() EventKind
	validate() error
}

// SettlementCreatedPayload vault accepted a new settlement
type SettlementCreatedPayload struct {
	Client       string
	Seller       string
	AssetToken   string
	AssetAmount  Amount
	RequiredUSDC Amount
	MaxEURC      Amount
}

func (SettlementCreatedPayload) Kind() EventKind { return EventSettlementCreated }

func (p SettlementCreatedPayload) validate() error {
	switch {
	case p.Client == "":
		return errors.New("client is empty")
	case p.Seller == "":
		return errors.New("seller is empty")
	case p.AssetAmount.IsZero():
		return errors.New("asset amount is zero")
	case p.RequiredUSDC.IsZero():
		return errors.New("required amount is zero")
	}
	return nil
}

// FundsPulledPayload buyer's permit was consumed and payment currency moved
type FundsPulledPayload struct {
	EURCAmount  Amount
	AssetAmount Amount
}

func (FundsPulledPayload) Kind() EventKind { return EventFundsPulled }

func (p FundsPulledPayload) validate() error {
	if p.EURCAmount.IsZero() {
		return errors.New("pulled amount is zero")
	}
	return nil
}

// VaultFundedPayload settlement currency landed in the vault
type VaultFundedPayload struct {
	Client      string
	USDCAmount  Amount
	BlockNumber uint64 // block reported by the contract, 0 when absent
}

func (VaultFundedPayload) Kind() EventKind { return EventVaultFunded }

func (p VaultFundedPayload) validate() error {
	if p.USDCAmount.IsZero() {
		return errors.New("funded amount is zero")
	}
	return nil
}

// SettlementExecutedPayload asset released to the buyer
type SettlementExecutedPayload struct {
	Client      string
	AssetAmount Amount
}

func (SettlementExecutedPayload) Kind() EventKind { return EventSettlementExecuted }

func (p SettlementExecutedPayload) validate() error {
	return nil
}

// LedgerEvent a decoded vault log
type LedgerEvent struct {
	BlockNumber  uint64
	BlockTime    time.Time // zero when the node reports no block timestamp
	LogIndex     uint
	TxHash       string
	SettlementID string
	Payload      EventPayload
}

func (e LedgerEvent) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Validate rejects events missing required fields before they reach the state machine
func (e LedgerEvent) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("%w: no payload", ErrMalformedEvent)
	}
	if e.SettlementID == "" {
		return fmt.Errorf("%w: %s without settlement id", ErrMalformedEvent, e.Kind())
	}
	if e.TxHash == "" {
		return fmt.Errorf("%w: %s without tx hash", ErrMalformedEvent, e.Kind())
	}
	if err := e.Payload.validate(); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedEvent, e.Kind(), e.SettlementID, err)
	}
	return nil
}

// Before strict (block, log index) ordering
func (e LedgerEvent) Before(other LedgerEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// SortLedgerEvents orders events by (block, log index) in place
func SortLedgerEvents(events []LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}
