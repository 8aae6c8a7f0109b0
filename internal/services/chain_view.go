package services

import (
	"context"
	"fmt"
	"math/big"

	"otc-backend/internal/config"
	"otc-backend/internal/interfaces"
	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// settlementIDBytes parses a 0x-prefixed bytes32 settlement id
func settlementIDBytes(id string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(models.NormalizeSettlementID(id))
	if err != nil {
		return out, fmt.Errorf("invalid settlement id %q: %w", id, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid settlement id %q: expected 32 bytes, got %d", id, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func vaultCall(method string, id [32]byte) interfaces.ContractCall {
	return interfaces.ContractCall{
		Contract: config.ContractSettlementVault,
		Method:   method,
		Args:     []interface{}{id},
	}
}

// readOnChainSettlement calls the vault's getSettlement view
func readOnChainSettlement(ctx context.Context, ledger interfaces.LedgerGateway, id string) (*models.OnChainSettlement, error) {
	idBytes, err := settlementIDBytes(id)
	if err != nil {
		return nil, err
	}
	out, err := ledger.CallView(ctx, vaultCall("getSettlement", idBytes))
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("getSettlement returned %d values, expected 9", len(out))
	}

	address := func(i int) string {
		if a, ok := out[i].(common.Address); ok {
			return a.Hex()
		}
		return ""
	}
	amount := func(i int) models.Amount {
		if v, ok := out[i].(*big.Int); ok {
			return models.NewAmount(v)
		}
		return models.Amount{}
	}
	status, _ := out[8].(uint8)

	return &models.OnChainSettlement{
		SettlementID: models.NormalizeSettlementID(id),
		Client:       address(0),
		Seller:       address(1),
		AssetToken:   address(2),
		AssetAmount:  amount(3),
		RequiredUSDC: amount(4),
		MaxEURC:      amount(5),
		ActualEURC:   amount(6),
		FundedBlock:  amount(7).Big().Uint64(),
		ChainStatus:  status,
	}, nil
}
