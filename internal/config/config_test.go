package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFacilitatorKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testSeller         = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func validConfig() *Config {
	cfg := &Config{
		Blockchain: BlockchainConfig{RPCEndpoints: []string{"http://127.0.0.1:8545"}},
		Contracts: ContractsConfig{
			SettlementToken: "0x1111111111111111111111111111111111111111",
			PaymentToken:    "0x2222222222222222222222222222222222222222",
			AssetToken:      "0x5555555555555555555555555555555555555555",
			SettlementVault: "0x3333333333333333333333333333333333333333",
			PermitPuller:    "0x4444444444444444444444444444444444444444",
			FacilitatorHook: "0x6666666666666666666666666666666666666666",
		},
		Keys: KeysConfig{FacilitatorPrivateKey: testFacilitatorKey, SellerAddress: testSeller},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, int64(80002), cfg.Blockchain.ChainID)
	assert.Equal(t, uint64(10), cfg.Facilitator.FinalityConfirmations)
	assert.Equal(t, int64(1000), cfg.Payment.SlippageBufferBps)
	assert.Equal(t, int32(6), cfg.Tokens.Payment.Decimals)
	assert.Equal(t, int32(18), cfg.Tokens.Asset.Decimals)
	assert.Equal(t, "polygon-amoy", cfg.Payment.ChainLabel)
	assert.Equal(t, "0.0.0.0:8402", cfg.ListenAddr())
	assert.Equal(t, float64(3600), cfg.PaymentDeadline().Seconds())
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no rpc", func(c *Config) { c.Blockchain.RPCEndpoints = nil }, "blockchain.rpcEndpoints"},
		{"bad vault", func(c *Config) { c.Contracts.SettlementVault = "0x1234" }, "contracts.settlementVault"},
		{"missing puller", func(c *Config) { c.Contracts.PermitPuller = "" }, "contracts.permitPuller"},
		{"no key", func(c *Config) { c.Keys.FacilitatorPrivateKey = "" }, "keys.facilitatorPrivateKey"},
		{"bad key", func(c *Config) { c.Keys.FacilitatorPrivateKey = "0xzz" }, "keys.facilitatorPrivateKey"},
		{"no seller", func(c *Config) { c.Keys.SellerAddress = "" }, "keys.sellerAddress"},
		{"zero price", func(c *Config) { c.Payment.PricePerUnit = "0" }, "payment.pricePerUnit"},
		{"negative buffer", func(c *Config) { c.Payment.SlippageBufferBps = -1 }, "payment.slippageBufferBps"},
		{"db without dsn", func(c *Config) { c.Database.Enabled = true }, "database.dsn"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true }, "nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration))
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestSellerAddressFromKey(t *testing.T) {
	cfg := validConfig()
	cfg.Keys.SellerAddress = ""
	// anvil account #2
	cfg.Keys.SellerPrivateKey = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"

	addr, err := cfg.SellerAddress()
	require.NoError(t, err)
	assert.Equal(t, testSeller, addr.Hex())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
blockchain:
  chainId: 31337
  rpcEndpoints: ["http://127.0.0.1:8545"]
facilitator:
  finalityConfirmations: 3
admin:
  allowedIPs: ["10.0.0.0/8"]
`), 0o600))

	t.Setenv("FINALITY_CONFIRMATIONS", "12")
	t.Setenv("ADMIN_ALLOWED_IPS", "192.168.1.10, 172.16.0.0/12")
	t.Setenv("DATABASE_DSN", "postgres://otc@localhost/otc?sslmode=disable")

	require.NoError(t, LoadConfig(path))
	cfg := AppConfig

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, int64(31337), cfg.Blockchain.ChainID)
	assert.Equal(t, uint64(12), cfg.Facilitator.FinalityConfirmations)
	assert.Equal(t, []string{"192.168.1.10", "172.16.0.0/12"}, cfg.Admin.AllowedIPs)
	assert.True(t, cfg.Database.Enabled)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	assert.Error(t, LoadConfig(path))
}

func TestContractABI(t *testing.T) {
	vault, err := ContractABI(ContractSettlementVault)
	require.NoError(t, err)
	assert.Contains(t, vault.Methods, "createSettlement")
	assert.Contains(t, vault.Events, "VaultFunded")

	_, err = ContractABI("Unknown")
	assert.Error(t, err)
}
