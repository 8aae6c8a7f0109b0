// Contract ABI and address registry
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract names used across the ledger gateway
const (
	ContractSettlementVault = "SettlementVault"
	ContractFacilitatorHook = "FacilitatorHook"
	ContractPermitPuller    = "PermitPuller"
	ContractPaymentToken    = "PaymentToken"
	ContractSettlementToken = "SettlementToken"
	ContractAssetToken      = "AssetToken"
)

const settlementVaultABI = `[
  {"type":"function","name":"createSettlement","stateMutability":"nonpayable","inputs":[
    {"name":"client","type":"address"},{"name":"seller","type":"address"},{"name":"assetToken","type":"address"},
    {"name":"assetAmount","type":"uint256"},{"name":"requiredUSDC","type":"uint256"},{"name":"maxEURC","type":"uint256"}],
    "outputs":[{"name":"settlementId","type":"bytes32"}]},
  {"type":"function","name":"confirmFinality","stateMutability":"nonpayable","inputs":[{"name":"settlementId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"executeSettlement","stateMutability":"nonpayable","inputs":[{"name":"settlementId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getSettlement","stateMutability":"view","inputs":[{"name":"settlementId","type":"bytes32"}],"outputs":[
    {"name":"client","type":"address"},{"name":"seller","type":"address"},{"name":"assetToken","type":"address"},
    {"name":"assetAmount","type":"uint256"},{"name":"requiredUSDC","type":"uint256"},{"name":"maxEURC","type":"uint256"},
    {"name":"actualEURC","type":"uint256"},{"name":"fundedBlock","type":"uint256"},{"name":"status","type":"uint8"}]},
  {"type":"event","name":"SettlementCreated","anonymous":false,"inputs":[
    {"name":"settlementId","type":"bytes32","indexed":true},{"name":"client","type":"address","indexed":true},
    {"name":"seller","type":"address","indexed":true},{"name":"assetToken","type":"address","indexed":false},
    {"name":"assetAmount","type":"uint256","indexed":false},{"name":"requiredUSDC","type":"uint256","indexed":false},
    {"name":"maxEURC","type":"uint256","indexed":false}]},
  {"type":"event","name":"FundsPulled","anonymous":false,"inputs":[
    {"name":"settlementId","type":"bytes32","indexed":true},{"name":"eurcAmount","type":"uint256","indexed":false},
    {"name":"assetAmount","type":"uint256","indexed":false}]},
  {"type":"event","name":"VaultFunded","anonymous":false,"inputs":[
    {"name":"settlementId","type":"bytes32","indexed":true},{"name":"client","type":"address","indexed":true},
    {"name":"usdcAmount","type":"uint256","indexed":false},{"name":"blockNumber","type":"uint256","indexed":false}]},
  {"type":"event","name":"SettlementExecuted","anonymous":false,"inputs":[
    {"name":"settlementId","type":"bytes32","indexed":true},{"name":"client","type":"address","indexed":true},
    {"name":"assetAmount","type":"uint256","indexed":false}]}
]`

const facilitatorHookABI = `[
  {"type":"function","name":"executeSwap","stateMutability":"nonpayable","inputs":[
    {"name":"settlementId","type":"bytes32"},{"name":"eurcAmount","type":"uint256"},{"name":"minUsdcOut","type":"uint256"}],"outputs":[]}
]`

const permitPullerABI = `[
  {"type":"function","name":"pullWithPermit","stateMutability":"nonpayable","inputs":[
    {"name":"settlementId","type":"bytes32"},{"name":"owner","type":"address"},{"name":"value","type":"uint256"},
    {"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]}
]`

const erc20PermitABI = `[
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	abiOnce   sync.Once
	abiErr    error
	parsedABI map[string]abi.ABI
)

func loadABIs() {
	sources := map[string]string{
		ContractSettlementVault: settlementVaultABI,
		ContractFacilitatorHook: facilitatorHookABI,
		ContractPermitPuller:    permitPullerABI,
		ContractPaymentToken:    erc20PermitABI,
		ContractSettlementToken: erc20PermitABI,
		ContractAssetToken:      erc20PermitABI,
	}
	parsedABI = make(map[string]abi.ABI, len(sources))
	for name, src := range sources {
		parsed, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			abiErr = fmt.Errorf("failed to parse %s ABI: %w", name, err)
			return
		}
		parsedABI[name] = parsed
	}
}

// ContractABI returns the parsed ABI of a named contract
func ContractABI(name string) (abi.ABI, error) {
	abiOnce.Do(loadABIs)
	if abiErr != nil {
		return abi.ABI{}, abiErr
	}
	parsed, ok := parsedABI[name]
	if !ok {
		return abi.ABI{}, fmt.Errorf("unknown contract %s", name)
	}
	return parsed, nil
}

// Address resolves a contract name to its configured address
func (c ContractsConfig) Address(name string) (string, bool) {
	var addr string
	switch name {
	case ContractSettlementVault:
		addr = c.SettlementVault
	case ContractFacilitatorHook:
		addr = c.FacilitatorHook
	case ContractPermitPuller:
		addr = c.PermitPuller
	case ContractPaymentToken:
		addr = c.PaymentToken
	case ContractSettlementToken:
		addr = c.SettlementToken
	case ContractAssetToken:
		addr = c.AssetToken
	}
	return addr, addr != ""
}
