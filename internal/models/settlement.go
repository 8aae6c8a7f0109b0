package models

import (
	"strings"
	"time"
)

// SettlementStatus lifecycle status of a settlement
type SettlementStatus string

const (
	SettlementStatusCreated         SettlementStatus = "created"          // SettlementCreated observed
	SettlementStatusFundsPulled     SettlementStatus = "funds_pulled"     // permit pull observed, swap issued
	SettlementStatusFunded          SettlementStatus = "funded"           // settlement currency in the vault
	SettlementStatusFinalityPending SettlementStatus = "finality_pending" // confirm/execute pair in progress
	SettlementStatusSettled         SettlementStatus = "settled"
	SettlementStatusExpired         SettlementStatus = "expired"
	SettlementStatusFailed          SettlementStatus = "failed"
)

var settlementStatusRank = map[SettlementStatus]int{
	SettlementStatusCreated:         1,
	SettlementStatusFundsPulled:     2,
	SettlementStatusFunded:          3,
	SettlementStatusFinalityPending: 4,
	SettlementStatusSettled:         5,
}

// Rank position along the forward path; terminal failure states have rank 0
func (s SettlementStatus) Rank() int {
	return settlementStatusRank[s]
}

// IsTerminal settled, expired and failed never change again
func (s SettlementStatus) IsTerminal() bool {
	switch s {
	case SettlementStatusSettled, SettlementStatusExpired, SettlementStatusFailed:
		return true
	}
	return false
}

func (s SettlementStatus) IsValid() bool {
	_, ok := settlementStatusRank[s]
	return ok || s == SettlementStatusExpired || s == SettlementStatusFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward transition
func (s SettlementStatus) CanAdvanceTo(next SettlementStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == SettlementStatusExpired || next == SettlementStatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// ReachedOrPassed whether s is at or beyond target on the forward path
func (s SettlementStatus) ReachedOrPassed(target SettlementStatus) bool {
	if s.IsTerminal() {
		return true
	}
	return s.Rank() >= target.Rank()
}

// Settlement one buyer/seller exchange tracked from its creation event to final execution
type Settlement struct {
	ID string `json:"settlement_id" gorm:"primaryKey;size:66"` // bytes32 hex

	Client          string `json:"client" gorm:"size:42;index"`
	Seller          string `json:"seller" gorm:"size:42"`
	AssetToken      string `json:"asset_token" gorm:"size:42"`
	SettlementToken string `json:"settlement_token" gorm:"size:42"`
	PaymentToken    string `json:"payment_token" gorm:"size:42"`

	AssetAmount              Amount  `json:"asset_amount" gorm:"type:numeric(78,0)"`
	RequiredSettlementAmount Amount  `json:"required_settlement_amount" gorm:"type:numeric(78,0)"`
	MaxPaymentAmount         Amount  `json:"max_payment_amount" gorm:"type:numeric(78,0)"`
	ActualPayment            *Amount `json:"actual_payment,omitempty" gorm:"type:numeric(78,0)"`
	RefundAmount             *Amount `json:"refund_amount,omitempty" gorm:"type:numeric(78,0)"`

	Deadline time.Time        `json:"deadline"`
	Status   SettlementStatus `json:"status" gorm:"size:32;not null;index"`

	CreatedBlock uint64 `json:"created_block"`
	FundedBlock  uint64 `json:"funded_block,omitempty"`

	CreateTxHash   string `json:"create_tx_hash,omitempty" gorm:"size:66"`
	PullTxHash     string `json:"pull_tx_hash,omitempty" gorm:"size:66"`
	SwapTxHash     string `json:"swap_tx_hash,omitempty" gorm:"size:66"`
	FinalityTxHash string `json:"finality_tx_hash,omitempty" gorm:"size:66"`
	SettleTxHash   string `json:"settle_tx_hash,omitempty" gorm:"size:66"`

	LastError string `json:"last_error,omitempty" gorm:"type:text"`

	CreatedAt time.Time  `json:"created_at"`
	FundedAt  *time.Time `json:"funded_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Settlement) TableName() string {
	return "otc_settlements"
}

// Clone deep copy so registry readers never share mutable state with the writer
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	c := *s
	if s.ActualPayment != nil {
		v := NewAmount(s.ActualPayment.Big())
		c.ActualPayment = &v
	}
	if s.RefundAmount != nil {
		v := NewAmount(s.RefundAmount.Big())
		c.RefundAmount = &v
	}
	if s.FundedAt != nil {
		t := *s.FundedAt
		c.FundedAt = &t
	}
	if s.SettledAt != nil {
		t := *s.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// TxHashes hashes of every step that went through, keyed by step name
func (s *Settlement) TxHashes() map[string]string {
	hashes := make(map[string]string)
	for step, hash := range map[string]string{
		"create":           s.CreateTxHash,
		"pull":             s.PullTxHash,
		"swap":             s.SwapTxHash,
		"confirm_finality": s.FinalityTxHash,
		"execute":          s.SettleTxHash,
	} {
		if hash != "" {
			hashes[step] = hash
		}
	}
	return hashes
}

// NormalizeSettlementID lower-case 0x-prefixed form used as the registry key
func NormalizeSettlementID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}
	return id
}

// IsSettlementID reports whether id is a bytes32 in hex, with or without the 0x prefix
func IsSettlementID(id string) bool {
	id = NormalizeSettlementID(id)
	if len(id) != 66 {
		return false
	}
	for _, c := range id[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// SyncCursor last block whose events were fully applied
type SyncCursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Block     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (SyncCursor) TableName() string {
	return "otc_sync_cursors"
}
