// Package payment builds x402 payment requirements and validates payment proofs.
// Everything here is pure: the caller supplies "now" and every rate.
package payment

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"otc-backend/internal/models"

	"github.com/shopspring/decimal"
)

// RequirementInput everything needed to quote one purchase
type RequirementInput struct {
	AssetAmount        *big.Int
	PricePerUnit       decimal.Decimal // settlement currency per whole asset unit
	AssetDecimals      int32
	SettlementDecimals int32
	DeadlineOffset     time.Duration

	Version               string
	Chain                 string
	ChainID               int64
	Seller                string
	AssetToken            string
	SettlementToken       string
	SettlementTokenSymbol string
	SettlementVault       string
	PaymentToken          string
	PaymentTokenSymbol    string
	PermitSpender         string
	SlippageBufferBps     int64
}

// ParseAssetAmount parses the ?amount= query value
func ParseAssetAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount is required", ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount must be an integer", ErrInvalidAmount).
			WithDetails("amount", raw)
	}
	if v.Sign() <= 0 {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount must be positive", ErrInvalidAmount).
			WithDetails("amount", raw)
	}
	return v, nil
}

// RequiredSettlementAmount asset_quantity_in_whole_units × price, floored to the settlement currency's smallest unit
func RequiredSettlementAmount(assetAmount *big.Int, price decimal.Decimal, assetDecimals, settlementDecimals int32) *big.Int {
	whole := decimal.NewFromBigInt(assetAmount, -assetDecimals)
	return whole.Mul(price).Shift(settlementDecimals).Floor().BigInt()
}

// BuildRequirement computes the immutable requirement returned with a 402
func BuildRequirement(in RequirementInput, now time.Time) (*models.PaymentRequirement, error) {
	if in.AssetAmount == nil || in.AssetAmount.Sign() <= 0 {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount must be positive", ErrInvalidAmount)
	}
	if !in.PricePerUnit.IsPositive() {
		return nil, NewPaymentError(ErrCodeInvalidPrice, "price must be positive", ErrInvalidPrice).
			WithDetails("price", in.PricePerUnit.String())
	}

	required := RequiredSettlementAmount(in.AssetAmount, in.PricePerUnit, in.AssetDecimals, in.SettlementDecimals)
	if required.Sign() <= 0 {
		return nil, NewPaymentError(ErrCodeInvalidAmount, "amount is below the smallest purchasable quantity", ErrInvalidAmount).
			WithDetails("amount", in.AssetAmount.String())
	}

	return &models.PaymentRequirement{
		Version:               in.Version,
		Chain:                 in.Chain,
		ChainID:               in.ChainID,
		SettlementToken:       in.SettlementToken,
		SettlementTokenSymbol: in.SettlementTokenSymbol,
		RequiredAmount:        models.NewAmount(required),
		SettlementVault:       in.SettlementVault,
		PaymentDeadline:       now.Add(in.DeadlineOffset).Unix(),
		Resource:              fmt.Sprintf("/buy-asset?amount=%s", in.AssetAmount.String()),
		AssetToken:            in.AssetToken,
		AssetAmount:           models.NewAmount(in.AssetAmount),
		Seller:                in.Seller,
		PaymentToken:          in.PaymentToken,
		PaymentTokenSymbol:    in.PaymentTokenSymbol,
		PermitSpender:         in.PermitSpender,
		Metadata: models.PaymentRequirementMetadata{
			PricePerUnit:       in.PricePerUnit.String(),
			AssetDecimals:      in.AssetDecimals,
			SettlementDecimals: in.SettlementDecimals,
			SlippageBufferBps:  in.SlippageBufferBps,
		},
	}, nil
}
