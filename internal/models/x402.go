package models

import "encoding/json"

// PaymentRequirement terms returned with a 402 response
type PaymentRequirement struct {
	Version               string                     `json:"version"`
	Chain                 string                     `json:"chain"`
	ChainID               int64                      `json:"chain_id"`
	SettlementToken       string                     `json:"settlement_token"`
	SettlementTokenSymbol string                     `json:"settlement_token_symbol"`
	RequiredAmount        Amount                     `json:"required_amount"`
	SettlementVault       string                     `json:"settlement_vault"`
	PaymentDeadline       int64                      `json:"payment_deadline"` // unix seconds
	Resource              string                     `json:"resource"`
	AssetToken            string                     `json:"asset_token"`
	AssetAmount           Amount                     `json:"asset_amount"`
	Seller                string                     `json:"seller"`
	PaymentToken          string                     `json:"payment_token,omitempty"`
	PaymentTokenSymbol    string                     `json:"payment_token_symbol,omitempty"`
	PermitSpender         string                     `json:"permit_spender,omitempty"`
	Metadata              PaymentRequirementMetadata `json:"metadata"`
}

// PaymentRequirementMetadata pricing context for client-side display
type PaymentRequirementMetadata struct {
	PricePerUnit       string `json:"price_per_unit_usdc"`
	AssetDecimals      int32  `json:"asset_decimals"`
	SettlementDecimals int32  `json:"settlement_decimals"`
	SlippageBufferBps  int64  `json:"slippage_buffer_bps,omitempty"`
}

// PermitSignature EIP-2612 permit fields
type PermitSignature struct {
	Deadline int64  `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

// PaymentProof decoded X-PAYMENT payload
type PaymentProof struct {
	Version            string          `json:"version"`
	ClientAddress      string          `json:"client_address"`
	PaymentToken       string          `json:"payment_token"`
	PaymentTokenSymbol string          `json:"payment_token_symbol"`
	MaxPaymentAmount   Amount          `json:"max_payment_amount"`
	PermitSignature    PermitSignature `json:"permit_signature"`
	Timestamp          int64           `json:"timestamp"`
	SettlementID       string          `json:"settlement_id,omitempty"`
}

// BuyAssetRequest JSON body of POST /buy-asset; the amount may be a number or a decimal string
type BuyAssetRequest struct {
	AssetAmount   json.Number `json:"asset_amount" binding:"required"`
	ClientAddress string      `json:"client_address"`
}

// PaymentRequiredResponse body of the 402 response
type PaymentRequiredResponse struct {
	Error              string              `json:"error"`
	Message            string              `json:"message"`
	PaymentRequirement *PaymentRequirement `json:"payment_requirement"`
}

// SettlementResponse body returned once a proof has been accepted
type SettlementResponse struct {
	SettlementID string `json:"settlement_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	RequiredUSDC Amount `json:"required_usdc"`
	MaxEURC      Amount `json:"max_eurc"`
	MinPayment   Amount `json:"min_payment"`
	AssetAmount  Amount `json:"asset_amount"`
	TxHash       string `json:"tx_hash,omitempty"`
	PullTxHash   string `json:"pull_tx_hash,omitempty"`
}

// OnChainSettlement vault view of a settlement
type OnChainSettlement struct {
	SettlementID string `json:"settlement_id"`
	Client       string `json:"client"`
	Seller       string `json:"seller"`
	AssetToken   string `json:"asset_token"`
	AssetAmount  Amount `json:"asset_amount"`
	RequiredUSDC Amount `json:"required_usdc"`
	MaxEURC      Amount `json:"max_eurc"`
	ActualEURC   Amount `json:"actual_eurc"`
	FundedBlock  uint64 `json:"funded_block"`
	ChainStatus  uint8  `json:"chain_status"`
}

// Vault status codes reported by getSettlement
const (
	ChainStatusNone uint8 = iota
	ChainStatusCreated
	ChainStatusFundsPulled
	ChainStatusFunded
	ChainStatusFinalityConfirmed
	ChainStatusExecuted
	ChainStatusRefunded
)

func (o *OnChainSettlement) Exists() bool {
	return o != nil && o.ChainStatus != ChainStatusNone
}

// SwapDone the vault already holds the settlement currency, or has moved past it
func (o *OnChainSettlement) SwapDone() bool {
	return o != nil && o.ChainStatus >= ChainStatusFunded
}

func (o *OnChainSettlement) FinalityConfirmed() bool {
	return o != nil && o.ChainStatus >= ChainStatusFinalityConfirmed && o.ChainStatus != ChainStatusRefunded
}

func (o *OnChainSettlement) Executed() bool {
	return o != nil && o.ChainStatus == ChainStatusExecuted
}

// Status maps the vault status code onto the local lifecycle
func (o *OnChainSettlement) Status() SettlementStatus {
	switch o.ChainStatus {
	case ChainStatusCreated:
		return SettlementStatusCreated
	case ChainStatusFundsPulled:
		return SettlementStatusFundsPulled
	case ChainStatusFunded:
		return SettlementStatusFunded
	case ChainStatusFinalityConfirmed:
		return SettlementStatusFinalityPending
	case ChainStatusExecuted:
		return SettlementStatusSettled
	case ChainStatusRefunded:
		return SettlementStatusFailed
	}
	return ""
}
