package clients

import (
	"fmt"
	"math/big"
	"time"

	"otc-backend/internal/config"
	"otc-backend/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// DecodeVaultLog decodes a settlement vault log. ok is false for logs that are
// not one of the tracked lifecycle events.
func DecodeVaultLog(lg types.Log) (ev models.LedgerEvent, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return ev, false, nil
	}
	vaultABI, err := config.ContractABI(config.ContractSettlementVault)
	if err != nil {
		return ev, false, err
	}
	event, err := vaultABI.EventByID(lg.Topics[0])
	if err != nil {
		return ev, false, nil
	}

	fields := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := vaultABI.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
			return ev, false, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return ev, false, fmt.Errorf("failed to parse %s topics: %w", event.Name, err)
	}

	id, ok := fields["settlementId"].([32]byte)
	if !ok {
		return ev, false, fmt.Errorf("%s log without settlementId", event.Name)
	}

	ev = models.LedgerEvent{
		BlockNumber:  lg.BlockNumber,
		LogIndex:     lg.Index,
		TxHash:       lg.TxHash.Hex(),
		SettlementID: models.NormalizeSettlementID(hexutil.Encode(id[:])),
	}
	if lg.BlockTimestamp != 0 {
		ev.BlockTime = time.Unix(int64(lg.BlockTimestamp), 0)
	}

	switch models.EventKind(event.Name) {
	case models.EventSettlementCreated:
		ev.Payload = models.SettlementCreatedPayload{
			Client:       addressField(fields, "client"),
			Seller:       addressField(fields, "seller"),
			AssetToken:   addressField(fields, "assetToken"),
			AssetAmount:  amountField(fields, "assetAmount"),
			RequiredUSDC: amountField(fields, "requiredUSDC"),
			MaxEURC:      amountField(fields, "maxEURC"),
		}
	case models.EventFundsPulled:
		ev.Payload = models.FundsPulledPayload{
			EURCAmount:  amountField(fields, "eurcAmount"),
			AssetAmount: amountField(fields, "assetAmount"),
		}
	case models.EventVaultFunded:
		fundedAt := amountField(fields, "blockNumber")
		ev.Payload = models.VaultFundedPayload{
			Client:      addressField(fields, "client"),
			USDCAmount:  amountField(fields, "usdcAmount"),
			BlockNumber: fundedAt.Big().Uint64(),
		}
	case models.EventSettlementExecuted:
		ev.Payload = models.SettlementExecutedPayload{
			Client:      addressField(fields, "client"),
			AssetAmount: amountField(fields, "assetAmount"),
		}
	default:
		return models.LedgerEvent{}, false, nil
	}
	return ev, true, nil
}

func addressField(fields map[string]interface{}, name string) string {
	if addr, ok := fields[name].(common.Address); ok {
		return addr.Hex()
	}
	return ""
}

func amountField(fields map[string]interface{}, name string) models.Amount {
	if v, ok := fields[name].(*big.Int); ok {
		return models.NewAmount(v)
	}
	return models.Amount{}
}
