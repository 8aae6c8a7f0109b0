package interfaces

import (
	"context"
	"time"

	"otc-backend/internal/models"
)

// ContractCall a contract method invocation. Args use go-ethereum ABI types
// ([32]byte, common.Address, *big.Int, uint8).
type ContractCall struct {
	Contract string // config.Contract* name
	Method   string
	Args     []interface{}
}

// Receipt mined transaction outcome with its vault events already decoded
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Status      uint64 // 1 success, 0 reverted
	GasUsed     uint64
	Events      []models.LedgerEvent
}

func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// FindEvent first decoded event of the given kind
func (r *Receipt) FindEvent(kind models.EventKind) (models.LedgerEvent, bool) {
	if r == nil {
		return models.LedgerEvent{}, false
	}
	for _, e := range r.Events {
		if e.Kind() == kind {
			return e, true
		}
	}
	return models.LedgerEvent{}, false
}

// LedgerGateway the blockchain as seen by the settlement core.
// This interface is used to keep transaction encoding out of the services package.
type LedgerGateway interface {
	// Submit signs and broadcasts a state-changing call, returning its tx hash
	Submit(ctx context.Context, call ContractCall) (string, error)
	// WaitReceipt blocks until the receipt is available or timeout elapses (LedgerTimeoutError)
	WaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	// GetEvents returns decoded events of one kind in [fromBlock, toBlock], ordered by (block, log index)
	GetEvents(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error)
	// CallView executes a read-only call and returns the unpacked outputs
	CallView(ctx context.Context, call ContractCall) ([]interface{}, error)
	// CurrentBlock latest block height
	CurrentBlock(ctx context.Context) (uint64, error)
}
