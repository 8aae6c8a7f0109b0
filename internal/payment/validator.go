package payment

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ValidationPolicy proof acceptance rules
type ValidationPolicy struct {
	PaymentToken         string
	PaymentPerSettlement decimal.Decimal // whole payment units per whole settlement unit
	PaymentDecimals      int32
	SettlementDecimals   int32
	SlippageBufferBps    int64         // 1000 = 10%
	QuoteValidity        time.Duration // how old a proof timestamp may be
	MaxClockSkew         time.Duration // how far in the future a proof timestamp may be
}

// ValidatedPayment amounts agreed once a proof is accepted
type ValidatedPayment struct {
	RequiredSettlement models.Amount
	MinPayment         models.Amount
	MaxPayment         models.Amount
}

// MinimumPayment required settlement amount converted to the payment currency and
// inflated by the slippage buffer, rounded up to the payment currency's smallest unit
func MinimumPayment(required *big.Int, policy ValidationPolicy) (*big.Int, error) {
	if !policy.PaymentPerSettlement.IsPositive() {
		return nil, fmt.Errorf("invalid exchange rate %s", policy.PaymentPerSettlement)
	}
	if policy.SlippageBufferBps < 0 {
		return nil, fmt.Errorf("invalid slippage buffer %d", policy.SlippageBufferBps)
	}
	buffer := decimal.NewFromInt(10000 + policy.SlippageBufferBps).Shift(-4)
	min := decimal.NewFromBigInt(required, -policy.SettlementDecimals).
		Mul(policy.PaymentPerSettlement).
		Mul(buffer).
		Shift(policy.PaymentDecimals).
		Ceil()
	return min.BigInt(), nil
}

// ValidateProof checks a submitted proof against the requirement it pays for
func ValidateProof(req *models.PaymentRequirement, proof *models.PaymentProof, policy ValidationPolicy, now time.Time) (*ValidatedPayment, error) {
	if req == nil {
		return nil, fmt.Errorf("payment requirement is nil")
	}
	if proof == nil {
		return nil, NewPaymentError(ErrCodeInvalidProof, "payment proof is missing", ErrInvalidProof)
	}

	// 1. structural checks
	if !common.IsHexAddress(proof.ClientAddress) {
		return nil, NewPaymentError(ErrCodeInvalidProof, "client_address is not a valid address", ErrInvalidProof).
			WithDetails("client_address", proof.ClientAddress)
	}
	if proof.MaxPaymentAmount.IsZero() {
		return nil, NewPaymentError(ErrCodeInvalidProof, "max_payment_amount must be positive", ErrInvalidProof)
	}

	// 2. token
	if !common.IsHexAddress(proof.PaymentToken) ||
		common.HexToAddress(proof.PaymentToken) != common.HexToAddress(policy.PaymentToken) {
		return nil, NewPaymentError(ErrCodeTokenMismatch, "payment token is not accepted", ErrTokenMismatch).
			WithDetails("expected", policy.PaymentToken).
			WithDetails("provided", proof.PaymentToken)
	}

	// 3. deadlines, independent of the amount offered
	nowUnix := now.Unix()
	if req.PaymentDeadline < nowUnix {
		return nil, NewPaymentError(ErrCodeDeadlineExpired, "payment requirement has expired", ErrDeadlineExpired).
			WithDetails("payment_deadline", req.PaymentDeadline)
	}
	if proof.PermitSignature.Deadline < nowUnix {
		return nil, NewPaymentError(ErrCodeDeadlineExpired, "permit deadline has passed", ErrDeadlineExpired).
			WithDetails("permit_deadline", proof.PermitSignature.Deadline)
	}
	if proof.Timestamp != 0 {
		issued := time.Unix(proof.Timestamp, 0)
		if policy.QuoteValidity > 0 && now.Sub(issued) > policy.QuoteValidity {
			return nil, NewPaymentError(ErrCodeDeadlineExpired, "payment proof is older than the quote validity window", ErrDeadlineExpired).
				WithDetails("timestamp", proof.Timestamp)
		}
		if policy.MaxClockSkew > 0 && issued.Sub(now) > policy.MaxClockSkew {
			return nil, NewPaymentError(ErrCodeDeadlineExpired, "payment proof timestamp is in the future", ErrDeadlineExpired).
				WithDetails("timestamp", proof.Timestamp)
		}
	}

	// 4. permit signature shape
	if err := checkPermitSignature(proof.PermitSignature); err != nil {
		return nil, err
	}

	// 5. budget
	required := req.RequiredAmount.Big()
	min, err := MinimumPayment(required, policy)
	if err != nil {
		return nil, err
	}
	provided := proof.MaxPaymentAmount.Big()
	if provided.Cmp(min) < 0 {
		return nil, NewPaymentError(ErrCodeInsufficientPayment, "max payment amount is below the required minimum", ErrInsufficientPayment).
			WithDetails("required_usdc", required.String()).
			WithDetails("required", min.String()).
			WithDetails("provided", provided.String())
	}

	return &ValidatedPayment{
		RequiredSettlement: models.NewAmount(required),
		MinPayment:         models.NewAmount(min),
		MaxPayment:         models.NewAmount(provided),
	}, nil
}

func checkPermitSignature(sig models.PermitSignature) error {
	switch sig.V {
	case 0, 1, 27, 28:
	default:
		return NewPaymentError(ErrCodeMalformedSignature, "permit v must be 0, 1, 27 or 28", ErrMalformedSignature).
			WithDetails("v", sig.V)
	}
	for name, value := range map[string]string{"r": sig.R, "s": sig.S} {
		b, err := decodeWord(value)
		if err != nil {
			return NewPaymentError(ErrCodeMalformedSignature, fmt.Sprintf("permit %s must be 32 bytes of hex", name), ErrMalformedSignature).
				WithDetails(name, value)
		}
		if new(big.Int).SetBytes(b).Sign() == 0 {
			return NewPaymentError(ErrCodeMalformedSignature, fmt.Sprintf("permit %s is zero", name), ErrMalformedSignature)
		}
	}
	return nil
}

func decodeWord(value string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	if len(raw) != 64 {
		return nil, fmt.Errorf("expected 64 hex characters, got %d", len(raw))
	}
	return hex.DecodeString(raw)
}

// PermitWords r and s as bytes32 call arguments. The signature must already be validated.
func PermitWords(sig models.PermitSignature) (r [32]byte, s [32]byte, err error) {
	rb, err := decodeWord(sig.R)
	if err != nil {
		return r, s, err
	}
	sb, err := decodeWord(sig.S)
	if err != nil {
		return r, s, err
	}
	copy(r[:], rb)
	copy(s[:], sb)
	return r, s, nil
}

// NormalizeV maps recovery ids 0/1 onto 27/28
func NormalizeV(v uint8) uint8 {
	if v < 27 {
		return v + 27
	}
	return v
}
