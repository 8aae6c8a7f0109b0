package payment

import "errors"

// Sentinel errors for quote and proof validation. Every one of them is a
// client-side deficiency and maps to HTTP 400.
var (
	// ErrInvalidAmount the requested asset quantity is missing, zero or negative.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidPrice the configured unit price is not positive.
	ErrInvalidPrice = errors.New("x402: invalid price")

	// ErrInsufficientPayment the proof budget is below the buffered minimum.
	ErrInsufficientPayment = errors.New("x402: insufficient payment")

	// ErrTokenMismatch the proof pays with a token the server does not accept.
	ErrTokenMismatch = errors.New("x402: payment token mismatch")

	// ErrDeadlineExpired the quote or the permit is no longer valid.
	ErrDeadlineExpired = errors.New("x402: deadline expired")

	// ErrMalformedSignature permit v/r/s cannot be a valid signature.
	ErrMalformedSignature = errors.New("x402: malformed permit signature")

	// ErrInvalidProof required proof fields are missing or invalid.
	ErrInvalidProof = errors.New("x402: invalid payment proof")

	// ErrMalformedHeader the X-PAYMENT header cannot be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")
)

// ErrorCode machine-readable validation category
type ErrorCode string

const (
	ErrCodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidPrice        ErrorCode = "INVALID_PRICE"
	ErrCodeInsufficientPayment ErrorCode = "INSUFFICIENT_PAYMENT"
	ErrCodeTokenMismatch       ErrorCode = "TOKEN_MISMATCH"
	ErrCodeDeadlineExpired     ErrorCode = "DEADLINE_EXPIRED"
	ErrCodeMalformedSignature  ErrorCode = "MALFORMED_SIGNATURE"
	ErrCodeInvalidProof        ErrorCode = "INVALID_PROOF"
	ErrCodeMalformedHeader     ErrorCode = "MALFORMED_HEADER"
)

// PaymentError structured validation error. errors.Is matches its sentinel through Unwrap.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a PaymentError wrapping one of the sentinels above
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds client-side diagnostic context
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsValidationError true for any error produced by this package
func IsValidationError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}
