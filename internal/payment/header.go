package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"otc-backend/internal/models"
)

// HeaderScheme prefix of the X-PAYMENT header value
const HeaderScheme = "x402"

// EncodePaymentHeader "x402 " + base64(JSON proof)
func EncodePaymentHeader(proof *models.PaymentProof) (string, error) {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment proof: %w", err)
	}
	return HeaderScheme + " " + base64.StdEncoding.EncodeToString(proofJSON), nil
}

// DecodePaymentHeader parses an X-PAYMENT header value
func DecodePaymentHeader(header string) (*models.PaymentProof, error) {
	header = strings.TrimSpace(header)
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, HeaderScheme) {
		return nil, NewPaymentError(ErrCodeMalformedHeader, "X-PAYMENT header must start with \"x402 \"", ErrMalformedHeader)
	}
	encoded = strings.TrimSpace(encoded)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// some clients send unpadded or URL-safe base64
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, NewPaymentError(ErrCodeMalformedHeader, "failed to decode base64 payload", ErrMalformedHeader)
		}
	}

	var proof models.PaymentProof
	if err := json.Unmarshal(decoded, &proof); err != nil {
		return nil, NewPaymentError(ErrCodeMalformedHeader, "failed to unmarshal payment proof", ErrMalformedHeader).
			WithDetails("reason", err.Error())
	}
	return &proof, nil
}
