package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// ErrConfiguration is matched by every ConfigurationError
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError missing or invalid startup setting. Fatal for the facilitator.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Validate checks everything the facilitator needs before it may start.
// The first problem found is returned.
func (c *Config) Validate() error {
	if len(c.Blockchain.RPCEndpoints) == 0 {
		return &ConfigurationError{Field: "blockchain.rpcEndpoints", Reason: "at least one RPC endpoint is required"}
	}
	if c.Blockchain.ChainID <= 0 {
		return &ConfigurationError{Field: "blockchain.chainId", Reason: "must be positive"}
	}

	addresses := []struct {
		field string
		value string
	}{
		{"contracts.settlementToken", c.Contracts.SettlementToken},
		{"contracts.paymentToken", c.Contracts.PaymentToken},
		{"contracts.assetToken", c.Contracts.AssetToken},
		{"contracts.settlementVault", c.Contracts.SettlementVault},
		{"contracts.permitPuller", c.Contracts.PermitPuller},
		{"contracts.facilitatorHook", c.Contracts.FacilitatorHook},
	}
	for _, a := range addresses {
		if err := checkAddress(a.field, a.value); err != nil {
			return err
		}
	}

	if _, err := c.FacilitatorKey(); err != nil {
		return err
	}
	if _, err := c.SellerAddress(); err != nil {
		return err
	}

	price, err := decimal.NewFromString(c.Payment.PricePerUnit)
	if err != nil || !price.IsPositive() {
		return &ConfigurationError{Field: "payment.pricePerUnit", Reason: fmt.Sprintf("invalid price %q", c.Payment.PricePerUnit)}
	}
	if c.Payment.SlippageBufferBps < 0 {
		return &ConfigurationError{Field: "payment.slippageBufferBps", Reason: "must not be negative"}
	}
	if c.Payment.DeadlineSeconds <= 0 {
		return &ConfigurationError{Field: "payment.deadlineSeconds", Reason: "must be positive"}
	}
	if c.Facilitator.FinalityConfirmations == 0 {
		return &ConfigurationError{Field: "facilitator.finalityConfirmations", Reason: "must be positive"}
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return &ConfigurationError{Field: "database.dsn", Reason: "required when database is enabled"}
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return &ConfigurationError{Field: "nats.url", Reason: "required when nats is enabled"}
	}
	return nil
}

func checkAddress(field, value string) error {
	if value == "" {
		return &ConfigurationError{Field: field, Reason: "address is required"}
	}
	if !common.IsHexAddress(value) {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("invalid address %q", value)}
	}
	return nil
}

// FacilitatorKey parses the facilitator signing key
func (c *Config) FacilitatorKey() (*ecdsa.PrivateKey, error) {
	if c.Keys.FacilitatorPrivateKey == "" {
		return nil, &ConfigurationError{Field: "keys.facilitatorPrivateKey", Reason: "private key is required"}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Keys.FacilitatorPrivateKey, "0x"))
	if err != nil {
		return nil, &ConfigurationError{Field: "keys.facilitatorPrivateKey", Reason: "not a valid secp256k1 key"}
	}
	return key, nil
}

// SellerAddress explicit seller address, or the address of the seller key
func (c *Config) SellerAddress() (common.Address, error) {
	if c.Keys.SellerAddress != "" {
		if !common.IsHexAddress(c.Keys.SellerAddress) {
			return common.Address{}, &ConfigurationError{Field: "keys.sellerAddress", Reason: fmt.Sprintf("invalid address %q", c.Keys.SellerAddress)}
		}
		return common.HexToAddress(c.Keys.SellerAddress), nil
	}
	if c.Keys.SellerPrivateKey == "" {
		return common.Address{}, &ConfigurationError{Field: "keys.sellerAddress", Reason: "seller address or seller private key is required"}
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.Keys.SellerPrivateKey, "0x"))
	if err != nil {
		return common.Address{}, &ConfigurationError{Field: "keys.sellerPrivateKey", Reason: "not a valid secp256k1 key"}
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
