package interfaces

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLedgerTimeout matched by every LedgerTimeoutError
	ErrLedgerTimeout = errors.New("ledger receipt timeout")
	// ErrLedgerRejected matched by every LedgerRejectionError
	ErrLedgerRejected = errors.New("ledger transaction reverted")
)

// LedgerTimeoutError receipt did not arrive within the bound. The transaction may still land.
type LedgerTimeoutError struct {
	TxHash  string
	Timeout time.Duration
	Err     error
}

func (e *LedgerTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("receipt for %s not available after %v: %v", e.TxHash, e.Timeout, e.Err)
	}
	return fmt.Sprintf("receipt for %s not available after %v", e.TxHash, e.Timeout)
}

func (e *LedgerTimeoutError) Is(target error) bool { return target == ErrLedgerTimeout }

func (e *LedgerTimeoutError) Unwrap() error { return e.Err }

// LedgerRejectionError transaction mined with a failed status
type LedgerRejectionError struct {
	Step   string
	TxHash string
	Block  uint64
}

func (e *LedgerRejectionError) Error() string {
	return fmt.Sprintf("%s transaction %s reverted in block %d", e.Step, e.TxHash, e.Block)
}

func (e *LedgerRejectionError) Is(target error) bool { return target == ErrLedgerRejected }

// LedgerErrorCode machine-readable category for HTTP responses and metrics
func LedgerErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrLedgerTimeout):
		return "LEDGER_TIMEOUT"
	case errors.Is(err, ErrLedgerRejected):
		return "LEDGER_REJECTED"
	default:
		return "LEDGER_ERROR"
	}
}
