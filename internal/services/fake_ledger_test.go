package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// fakeVault on-chain view kept by fakeLedger
type fakeVault struct {
	client      common.Address
	seller      common.Address
	assetToken  common.Address
	assetAmount *big.Int
	required    *big.Int
	maxPayment  *big.Int
	actual      *big.Int
	fundedBlock uint64
	status      uint8
}

// fakeLedger in-memory chain: every submitted transaction is mined in its own
// block and emits the vault events the real contracts would
type fakeLedger struct {
	mu sync.Mutex

	block    uint64
	nonce    int
	nextID   int
	calls    []interfaces.ContractCall
	receipts map[string]*interfaces.Receipt
	logs     []models.LedgerEvent
	vaults   map[string]*fakeVault

	revert    map[string]bool  // method -> mined with status 0
	timeout   map[string]bool  // method -> receipt never arrives
	submitErr map[string]error // method -> broadcast fails
	eventsErr error
	viewFails int             // next n CallView calls fail
	timedOut  map[string]bool // tx hash -> timeout
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		block:     100,
		receipts:  make(map[string]*interfaces.Receipt),
		vaults:    make(map[string]*fakeVault),
		revert:    make(map[string]bool),
		timeout:   make(map[string]bool),
		submitErr: make(map[string]error),
		timedOut:  make(map[string]bool),
	}
}

func (f *fakeLedger) Submit(ctx context.Context, call interfaces.ContractCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.submitErr[call.Method]; err != nil {
		return "", err
	}
	f.calls = append(f.calls, call)
	f.nonce++
	f.block++
	txHash := fmt.Sprintf("0x%064x", 0xabc000+f.nonce)

	if f.timeout[call.Method] {
		f.timedOut[txHash] = true
		return txHash, nil
	}

	receipt := &interfaces.Receipt{TxHash: txHash, BlockNumber: f.block, Status: 1, GasUsed: 21000}
	f.receipts[txHash] = receipt
	if f.revert[call.Method] || f.rejects(call) {
		receipt.Status = 0
		return txHash, nil
	}

	if ev, ok := f.apply(call, txHash); ok {
		receipt.Events = append(receipt.Events, ev)
		f.logs = append(f.logs, ev)
	}
	return txHash, nil
}

// rejects mirrors the vault's own guards: a settlement is swapped at most once
func (f *fakeLedger) rejects(call interfaces.ContractCall) bool {
	if call.Method != "executeSwap" {
		return false
	}
	id := call.Args[0].([32]byte)
	v, ok := f.vaults[hexutil.Encode(id[:])]
	return ok && v.status >= models.ChainStatusFunded
}

func (f *fakeLedger) apply(call interfaces.ContractCall, txHash string) (models.LedgerEvent, bool) {
	ev := models.LedgerEvent{BlockNumber: f.block, TxHash: txHash}

	switch call.Method {
	case "createSettlement":
		f.nextID++
		id := fmt.Sprintf("0x%064x", f.nextID)
		v := &fakeVault{
			client:      call.Args[0].(common.Address),
			seller:      call.Args[1].(common.Address),
			assetToken:  call.Args[2].(common.Address),
			assetAmount: call.Args[3].(*big.Int),
			required:    call.Args[4].(*big.Int),
			maxPayment:  call.Args[5].(*big.Int),
			status:      models.ChainStatusCreated,
		}
		f.vaults[id] = v
		ev.SettlementID = id
		ev.Payload = models.SettlementCreatedPayload{
			Client:       v.client.Hex(),
			Seller:       v.seller.Hex(),
			AssetToken:   v.assetToken.Hex(),
			AssetAmount:  models.NewAmount(v.assetAmount),
			RequiredUSDC: models.NewAmount(v.required),
			MaxEURC:      models.NewAmount(v.maxPayment),
		}
	case "pullWithPermit":
		v := f.vault(call.Args[0].([32]byte), &ev)
		v.actual = call.Args[2].(*big.Int)
		v.status = models.ChainStatusFundsPulled
		ev.Payload = models.FundsPulledPayload{
			EURCAmount:  models.NewAmount(v.actual),
			AssetAmount: models.NewAmount(v.assetAmount),
		}
	case "executeSwap":
		v := f.vault(call.Args[0].([32]byte), &ev)
		v.status = models.ChainStatusFunded
		v.fundedBlock = f.block
		ev.Payload = models.VaultFundedPayload{
			Client:      v.client.Hex(),
			USDCAmount:  models.NewAmount(call.Args[2].(*big.Int)),
			BlockNumber: f.block,
		}
	case "confirmFinality":
		v := f.vault(call.Args[0].([32]byte), &ev)
		if v.status < models.ChainStatusFinalityConfirmed {
			v.status = models.ChainStatusFinalityConfirmed
		}
		return ev, false
	case "executeSettlement":
		v := f.vault(call.Args[0].([32]byte), &ev)
		v.status = models.ChainStatusExecuted
		ev.Payload = models.SettlementExecutedPayload{
			Client:      v.client.Hex(),
			AssetAmount: models.NewAmount(v.assetAmount),
		}
	default:
		return ev, false
	}
	return ev, true
}

func (f *fakeLedger) vault(id [32]byte, ev *models.LedgerEvent) *fakeVault {
	key := hexutil.Encode(id[:])
	ev.SettlementID = key
	v, ok := f.vaults[key]
	if !ok {
		v = &fakeVault{assetAmount: big.NewInt(1), required: big.NewInt(1), maxPayment: big.NewInt(1)}
		f.vaults[key] = v
	}
	return v
}

func (f *fakeLedger) WaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*interfaces.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timedOut[txHash] {
		return nil, &interfaces.LedgerTimeoutError{TxHash: txHash, Timeout: timeout}
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, errors.New("unknown transaction")
	}
	return receipt, nil
}

func (f *fakeLedger) GetEvents(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	var out []models.LedgerEvent
	for _, ev := range f.logs {
		if ev.Kind() == kind && ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) CallView(ctx context.Context, call interfaces.ContractCall) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if call.Method != "getSettlement" {
		return nil, fmt.Errorf("unsupported view %s", call.Method)
	}
	if f.viewFails > 0 {
		f.viewFails--
		return nil, errors.New("view call failed")
	}
	id := call.Args[0].([32]byte)
	v, ok := f.vaults[hexutil.Encode(id[:])]
	if !ok {
		zero := new(big.Int)
		return []interface{}{common.Address{}, common.Address{}, common.Address{}, zero, zero, zero, zero, zero, models.ChainStatusNone}, nil
	}
	actual := new(big.Int)
	if v.actual != nil {
		actual = v.actual
	}
	return []interface{}{
		v.client, v.seller, v.assetToken,
		v.assetAmount, v.required, v.maxPayment, actual,
		new(big.Int).SetUint64(v.fundedBlock),
		v.status,
	}, nil
}

func (f *fakeLedger) CurrentBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

// mine advances the head without transactions
func (f *fakeLedger) mine(n uint64) {
	f.mu.Lock()
	f.block += n
	f.mu.Unlock()
}

func (f *fakeLedger) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeLedger) setVaultStatus(id string, status uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vaults[id]
	if !ok {
		v = &fakeVault{assetAmount: big.NewInt(1), required: big.NewInt(1), maxPayment: big.NewInt(1)}
		f.vaults[id] = v
	}
	v.status = status
}

func (f *fakeLedger) failNextView() {
	f.mu.Lock()
	f.viewFails++
	f.mu.Unlock()
}

func (f *fakeLedger) setRevert(method string, on bool) {
	f.mu.Lock()
	f.revert[method] = on
	f.mu.Unlock()
}

func (f *fakeLedger) setTimeout(method string, on bool) {
	f.mu.Lock()
	f.timeout[method] = on
	f.mu.Unlock()
}

func (f *fakeLedger) setEventsErr(err error) {
	f.mu.Lock()
	f.eventsErr = err
	f.mu.Unlock()
}
