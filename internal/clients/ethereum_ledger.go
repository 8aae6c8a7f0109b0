package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"otc-backend/internal/config"
	"otc-backend/internal/interfaces"
	"otc-backend/internal/metrics"
	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultGasLimit     = 500000
	receiptPollInterval = 2 * time.Second
	waitMinedWindow     = 30 * time.Second
)

// EthereumLedger LedgerGateway over a JSON-RPC node, signing with the facilitator key
type EthereumLedger struct {
	client    *ethclient.Client
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	contracts config.ContractsConfig
	gasPrice  string
	gasLimit  uint64

	// PendingNonceAt + SendTransaction must not interleave between callers
	submitMu sync.Mutex

	sentMu sync.Mutex
	sent   map[common.Hash]*types.Transaction
}

// NewEthereumLedger dials the first reachable RPC endpoint and checks it serves the configured chain
func NewEthereumLedger(cfg *config.Config) (*EthereumLedger, error) {
	key, err := cfg.FacilitatorKey()
	if err != nil {
		return nil, err
	}

	var client *ethclient.Client
	var lastErr error
	for i, endpoint := range cfg.Blockchain.RPCEndpoints {
		log.Printf("🔗 [EthereumLedger] Trying endpoint %d/%d: %s", i+1, len(cfg.Blockchain.RPCEndpoints), endpoint)
		c, err := ethclient.Dial(endpoint)
		if err != nil {
			log.Printf("   ❌ Dial failed: %v", err)
			lastErr = err
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		networkID, err := c.ChainID(ctx)
		cancel()
		if err != nil {
			log.Printf("   ❌ ChainID check failed: %v", err)
			c.Close()
			lastErr = err
			continue
		}
		if networkID.Int64() != cfg.Blockchain.ChainID {
			c.Close()
			lastErr = fmt.Errorf("endpoint %s serves chain %s, expected %d", endpoint, networkID, cfg.Blockchain.ChainID)
			log.Printf("   ❌ %v", lastErr)
			continue
		}
		log.Printf("   ✅ Connection verified! Chain ID: %s", networkID.String())
		client = c
		break
	}
	if client == nil {
		return nil, fmt.Errorf("failed to connect to any RPC endpoint: %w", lastErr)
	}

	gasLimit := cfg.Blockchain.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}

	return &EthereumLedger{
		client:    client,
		chainID:   big.NewInt(cfg.Blockchain.ChainID),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		contracts: cfg.Contracts,
		gasPrice:  cfg.Blockchain.GasPrice,
		gasLimit:  gasLimit,
		sent:      make(map[common.Hash]*types.Transaction),
	}, nil
}

// FacilitatorAddress account that signs every submitted transaction
func (l *EthereumLedger) FacilitatorAddress() common.Address {
	return l.from
}

func (l *EthereumLedger) contractAddress(name string) (common.Address, error) {
	addr, ok := l.contracts.Address(name)
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, &config.ConfigurationError{Field: "contracts." + name, Reason: "address not configured"}
	}
	return common.HexToAddress(addr), nil
}

func (l *EthereumLedger) pack(call interfaces.ContractCall) (common.Address, []byte, error) {
	to, err := l.contractAddress(call.Contract)
	if err != nil {
		return common.Address{}, nil, err
	}
	contractABI, err := config.ContractABI(call.Contract)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := contractABI.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to pack %s.%s: %w", call.Contract, call.Method, err)
	}
	return to, data, nil
}

func (l *EthereumLedger) resolveGasPrice(ctx context.Context) *big.Int {
	if l.gasPrice != "" && l.gasPrice != "auto" {
		if price, ok := new(big.Int).SetString(l.gasPrice, 10); ok {
			return price
		}
		log.Printf("⚠️ [EthereumLedger] Invalid gas price %q, falling back to node suggestion", l.gasPrice)
	}
	suggested, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		log.Printf("⚠️ [EthereumLedger] SuggestGasPrice failed, using 30 gwei: %v", err)
		return big.NewInt(30_000_000_000)
	}
	// 20% headroom over the node suggestion
	price := new(big.Int).Mul(suggested, big.NewInt(120))
	return price.Div(price, big.NewInt(100))
}

// Submit builds, signs and broadcasts a legacy EIP-155 transaction
func (l *EthereumLedger) Submit(ctx context.Context, call interfaces.ContractCall) (string, error) {
	to, data, err := l.pack(call)
	if err != nil {
		return "", err
	}

	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      l.gasLimit,
		GasPrice: l.resolveGasPrice(ctx),
		Data:     data,
	})
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send %s.%s: %w", call.Contract, call.Method, err)
	}

	l.sentMu.Lock()
	l.sent[signedTx.Hash()] = signedTx
	l.sentMu.Unlock()

	log.Printf("📤 [EthereumLedger] %s.%s sent: tx=%s nonce=%d", call.Contract, call.Method, signedTx.Hash().Hex(), nonce)
	return signedTx.Hash().Hex(), nil
}

// WaitReceipt waits for a mined receipt: WaitMined first for transactions sent by
// this ledger, then receipt polling until the bound elapses
func (l *EthereumLedger) WaitReceipt(ctx context.Context, txHash string, timeout time.Duration) (*interfaces.Receipt, error) {
	hash := common.HexToHash(txHash)
	start := time.Now()
	defer l.forget(hash)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l.sentMu.Lock()
	tx := l.sent[hash]
	l.sentMu.Unlock()

	var receipt *types.Receipt
	var lastErr error

	if tx != nil {
		window := waitMinedWindow
		if window > timeout {
			window = timeout
		}
		minedCtx, cancelMined := context.WithTimeout(waitCtx, window)
		receipt, lastErr = bind.WaitMined(minedCtx, l.client, tx)
		cancelMined()
	}

	if receipt == nil {
		ticker := time.NewTicker(receiptPollInterval)
		defer ticker.Stop()
	poll:
		for {
			r, err := l.client.TransactionReceipt(waitCtx, hash)
			if err == nil && r != nil {
				receipt = r
				break
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				lastErr = err
			}
			select {
			case <-waitCtx.Done():
				break poll
			case <-ticker.C:
			}
		}
	}

	if receipt == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("⚠️ [EthereumLedger] Receipt for %s not available after %v (tx may still land)", txHash, time.Since(start))
		return nil, &interfaces.LedgerTimeoutError{TxHash: txHash, Timeout: timeout, Err: lastErr}
	}

	vault, _ := l.contractAddress(config.ContractSettlementVault)
	events := make([]models.LedgerEvent, 0, len(receipt.Logs))
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != vault {
			continue
		}
		ev, ok, err := DecodeVaultLog(*lg)
		if err != nil {
			log.Printf("⚠️ [EthereumLedger] Skipping undecodable log in %s: %v", txHash, err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}

	log.Printf("✅ [EthereumLedger] Receipt %s: block=%d status=%d gas=%d elapsed=%v",
		txHash, receipt.BlockNumber.Uint64(), receipt.Status, receipt.GasUsed, time.Since(start))

	return &interfaces.Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		GasUsed:     receipt.GasUsed,
		Events:      events,
	}, nil
}

// forget drops a submitted transaction once its receipt wait ends, mined or not
func (l *EthereumLedger) forget(hash common.Hash) {
	l.sentMu.Lock()
	delete(l.sent, hash)
	l.sentMu.Unlock()
}

// GetEvents filters vault logs of one kind in [fromBlock, toBlock]
func (l *EthereumLedger) GetEvents(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error) {
	vault, err := l.contractAddress(config.ContractSettlementVault)
	if err != nil {
		return nil, err
	}
	vaultABI, err := config.ContractABI(config.ContractSettlementVault)
	if err != nil {
		return nil, err
	}
	event, ok := vaultABI.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown vault event %s", kind)
	}

	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{vault},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s logs [%d,%d]: %w", kind, fromBlock, toBlock, err)
	}

	events := make([]models.LedgerEvent, 0, len(logs))
	blockTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := DecodeVaultLog(lg)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if ev.BlockTime.IsZero() && kind == models.EventSettlementCreated {
			ev.BlockTime = l.blockTime(ctx, blockTimes, ev.BlockNumber)
		}
		events = append(events, ev)
	}
	models.SortLedgerEvents(events)
	return events, nil
}

// blockTime header timestamp for nodes that omit blockTimestamp on logs; zero on lookup failure
func (l *EthereumLedger) blockTime(ctx context.Context, cache map[uint64]time.Time, number uint64) time.Time {
	if t, ok := cache[number]; ok {
		return t
	}
	header, err := l.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		log.Printf("⚠️ [EthereumLedger] Header %d unavailable, settlement deadline falls back to observation time: %v", number, err)
		return time.Time{}
	}
	t := time.Unix(int64(header.Time), 0)
	cache[number] = t
	return t
}

// CallView eth_call against the latest block
func (l *EthereumLedger) CallView(ctx context.Context, call interfaces.ContractCall) ([]interface{}, error) {
	to, data, err := l.pack(call)
	if err != nil {
		return nil, err
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s.%s call failed: %w", call.Contract, call.Method, err)
	}
	contractABI, err := config.ContractABI(call.Contract)
	if err != nil {
		return nil, err
	}
	return contractABI.Unpack(call.Method, out)
}

func (l *EthereumLedger) CurrentBlock(ctx context.Context) (uint64, error) {
	block, err := l.client.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	metrics.CurrentBlock.Set(float64(block))
	return block, nil
}

// NativeBalance gas balance of the facilitator account
func (l *EthereumLedger) NativeBalance(ctx context.Context) (*big.Int, error) {
	return l.client.BalanceAt(ctx, l.from, nil)
}

func (l *EthereumLedger) Close() {
	l.client.Close()
}
