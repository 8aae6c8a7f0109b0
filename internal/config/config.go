package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	Blockchain  BlockchainConfig  `yaml:"blockchain"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Keys        KeysConfig        `yaml:"keys"`
	Payment     PaymentConfig     `yaml:"payment"`
	Rate        RateConfig        `yaml:"rate"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Admin       AdminConfig       `yaml:"admin"`
	CORS        CORSConfig        `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig logrus level and output format
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// DatabaseConfig Database configuration. When disabled the registry stays in memory.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// NATSConfig NATS lifecycle publisher configuration
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BlockchainConfig chain connection configuration
type BlockchainConfig struct {
	ChainID               int64    `yaml:"chainId"`
	ChainName             string   `yaml:"chainName"`
	RPCEndpoints          []string `yaml:"rpcEndpoints"`
	GasPrice              string   `yaml:"gasPrice"` // wei, or "auto"
	GasLimit              uint64   `yaml:"gasLimit"`
	ReceiptTimeoutSeconds int      `yaml:"receiptTimeoutSeconds"`
}

// ContractsConfig deployed contract addresses
type ContractsConfig struct {
	SettlementToken string `yaml:"settlementToken"` // MockUSDC
	PaymentToken    string `yaml:"paymentToken"`    // MockEURC
	AssetToken      string `yaml:"assetToken"`      // YieldPoolShare
	SettlementVault string `yaml:"settlementVault"`
	PermitPuller    string `yaml:"permitPuller"`
	FacilitatorHook string `yaml:"facilitatorHook"`
}

// TokenConfig Token configuration
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// TokensConfig symbols and decimals of the three tokens involved in a settlement
type TokensConfig struct {
	Settlement TokenConfig `yaml:"settlement"`
	Payment    TokenConfig `yaml:"payment"`
	Asset      TokenConfig `yaml:"asset"`
}

// KeysConfig role keys. The facilitator key signs every transaction.
type KeysConfig struct {
	FacilitatorPrivateKey string `yaml:"facilitatorPrivateKey"`
	SellerAddress         string `yaml:"sellerAddress"`
	SellerPrivateKey      string `yaml:"sellerPrivateKey"`
}

// PaymentConfig quote and proof acceptance policy
type PaymentConfig struct {
	PricePerUnit        string `yaml:"pricePerUnit"` // settlement currency per whole asset unit
	DeadlineSeconds     int    `yaml:"deadlineSeconds"`
	SlippageBufferBps   int64  `yaml:"slippageBufferBps"`
	MaxClockSkewSeconds int    `yaml:"maxClockSkewSeconds"`
	Realm               string `yaml:"realm"`
	ChainLabel          string `yaml:"chainLabel"`
	RequirementVersion  string `yaml:"requirementVersion"`
}

// RateConfig EUR/USD rate source
type RateConfig struct {
	APIURL           string `yaml:"apiUrl"`
	DefaultUSDPerEUR string `yaml:"defaultUsdPerEur"`
	CacheTTLSeconds  int    `yaml:"cacheTtlSeconds"`
	TimeoutSeconds   int    `yaml:"timeoutSeconds"`
}

// FacilitatorConfig polling loop and finality policy
type FacilitatorConfig struct {
	Disabled              bool   `yaml:"disabled"` // serve HTTP only
	FinalityConfirmations uint64 `yaml:"finalityConfirmations"`
	PollIntervalSeconds   int    `yaml:"pollIntervalSeconds"`
	StartBlock            uint64 `yaml:"startBlock"`
	MaxBlockRange         uint64 `yaml:"maxBlockRange"`
}

// MonitoringConfig balance monitoring
type MonitoringConfig struct {
	BalanceCheckIntervalSeconds int    `yaml:"balanceCheckIntervalSeconds"`
	LowBalanceWei               string `yaml:"lowBalanceWei"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	JWTSecret  string   `yaml:"jwtSecret"`
	Issuer     string   `yaml:"issuer"`
	AllowedIPs []string `yaml:"allowedIPs"` // loopback is always allowed
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

var AppConfig *Config

// LoadConfig Load configuration. An empty path means config.yaml, or config.local.yaml when present.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	var config Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)
	case os.IsNotExist(err):
		// Environment-only deployments are allowed
		fmt.Printf("⚠️  [Config] %s not found, using defaults and environment variables\n", configPath)
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	config.ApplyDefaults()
	overrideFromEnv(&config)

	fmt.Printf("📋 [Config] chain=%s (%d), finality=%d confirmations, poll=%ds, buffer=%dbps\n",
		config.Blockchain.ChainName, config.Blockchain.ChainID,
		config.Facilitator.FinalityConfirmations, config.Facilitator.PollIntervalSeconds,
		config.Payment.SlippageBufferBps)

	AppConfig = &config
	return nil
}

// ApplyDefaults fills every zero value with the service default
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8402
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.NATS.Timeout == 0 {
		c.NATS.Timeout = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 5
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "otc"
	}
	if c.Blockchain.ChainID == 0 {
		c.Blockchain.ChainID = 80002
	}
	if c.Blockchain.ChainName == "" {
		c.Blockchain.ChainName = "polygon-amoy"
	}
	if c.Blockchain.GasPrice == "" {
		c.Blockchain.GasPrice = "auto"
	}
	if c.Blockchain.GasLimit == 0 {
		c.Blockchain.GasLimit = 500000
	}
	if c.Blockchain.ReceiptTimeoutSeconds == 0 {
		c.Blockchain.ReceiptTimeoutSeconds = 120
	}
	if c.Tokens.Settlement.Symbol == "" {
		c.Tokens.Settlement = TokenConfig{Symbol: "MockUSDC", Decimals: 6}
	}
	if c.Tokens.Payment.Symbol == "" {
		c.Tokens.Payment = TokenConfig{Symbol: "MockEURC", Decimals: 6}
	}
	if c.Tokens.Asset.Symbol == "" {
		c.Tokens.Asset = TokenConfig{Symbol: "YPS", Decimals: 18}
	}
	if c.Payment.PricePerUnit == "" {
		c.Payment.PricePerUnit = "1.10"
	}
	if c.Payment.DeadlineSeconds == 0 {
		c.Payment.DeadlineSeconds = 3600
	}
	if c.Payment.SlippageBufferBps == 0 {
		c.Payment.SlippageBufferBps = 1000
	}
	if c.Payment.MaxClockSkewSeconds == 0 {
		c.Payment.MaxClockSkewSeconds = 300
	}
	if c.Payment.Realm == "" {
		c.Payment.Realm = "OTC Asset Purchase"
	}
	if c.Payment.ChainLabel == "" {
		c.Payment.ChainLabel = c.Blockchain.ChainName
	}
	if c.Payment.RequirementVersion == "" {
		c.Payment.RequirementVersion = "1.0"
	}
	if c.Rate.APIURL == "" {
		c.Rate.APIURL = "https://api.exchangerate-api.com/v4/latest/EUR"
	}
	if c.Rate.DefaultUSDPerEUR == "" {
		c.Rate.DefaultUSDPerEUR = "1.10"
	}
	if c.Rate.CacheTTLSeconds == 0 {
		c.Rate.CacheTTLSeconds = 60
	}
	if c.Rate.TimeoutSeconds == 0 {
		c.Rate.TimeoutSeconds = 10
	}
	if c.Facilitator.FinalityConfirmations == 0 {
		c.Facilitator.FinalityConfirmations = 10
	}
	if c.Facilitator.PollIntervalSeconds == 0 {
		c.Facilitator.PollIntervalSeconds = 30
	}
	if c.Facilitator.MaxBlockRange == 0 {
		c.Facilitator.MaxBlockRange = 2000
	}
	if c.Monitoring.BalanceCheckIntervalSeconds == 0 {
		c.Monitoring.BalanceCheckIntervalSeconds = 60
	}
	if c.Monitoring.LowBalanceWei == "" {
		c.Monitoring.LowBalanceWei = "100000000000000000" // 0.1 native token
	}
	if c.Admin.Issuer == "" {
		c.Admin.Issuer = "otc-backend"
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = 3600
	}
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	// server configuration
	if host := os.Getenv("HTTP_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("HTTP_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	// Database
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
		config.Database.Enabled = true
	}

	// NATS
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
		config.NATS.Enabled = true
	}

	// Chain
	if rpcURL := os.Getenv("POLYGON_AMOY_RPC_URL"); rpcURL != "" {
		config.Blockchain.RPCEndpoints = []string{rpcURL}
	} else if rpcEndpoints := os.Getenv("RPC_ENDPOINTS"); rpcEndpoints != "" {
		config.Blockchain.RPCEndpoints = splitList(rpcEndpoints)
	}
	if chainID := os.Getenv("CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			config.Blockchain.ChainID = id
		}
	}
	if gasPrice := os.Getenv("GAS_PRICE"); gasPrice != "" {
		config.Blockchain.GasPrice = gasPrice
	}
	if gasLimit := os.Getenv("GAS_LIMIT"); gasLimit != "" {
		if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
			config.Blockchain.GasLimit = limit
		}
	}

	// Contract addresses
	envString("MOCK_USDC_ADDRESS", &config.Contracts.SettlementToken)
	envString("MOCK_EURC_ADDRESS", &config.Contracts.PaymentToken)
	envString("YIELD_POOL_SHARE_ADDRESS", &config.Contracts.AssetToken)
	envString("SETTLEMENT_VAULT_ADDRESS", &config.Contracts.SettlementVault)
	envString("PERMIT_PULLER_ADDRESS", &config.Contracts.PermitPuller)
	envString("FACILITATOR_HOOK_ADDRESS", &config.Contracts.FacilitatorHook)

	// Keys
	if privateKey := os.Getenv("FACILITATOR_PRIVATE_KEY"); privateKey != "" {
		config.Keys.FacilitatorPrivateKey = privateKey
		fmt.Printf("✅ [Config] Loaded facilitator key from environment variable: FACILITATOR_PRIVATE_KEY\n")
	}
	envString("SELLER_ADDRESS", &config.Keys.SellerAddress)
	envString("SELLER_PRIVATE_KEY", &config.Keys.SellerPrivateKey)

	// Payment policy
	envString("PRICE_PER_UNIT", &config.Payment.PricePerUnit)
	if bps := os.Getenv("SLIPPAGE_BUFFER_BPS"); bps != "" {
		if v, err := strconv.ParseInt(bps, 10, 64); err == nil {
			config.Payment.SlippageBufferBps = v
		}
	}
	envString("EUR_USD_PRICE_API_URL", &config.Rate.APIURL)

	// Finality
	if confirmations := os.Getenv("FINALITY_CONFIRMATIONS"); confirmations != "" {
		if n, err := strconv.ParseUint(confirmations, 10, 64); err == nil {
			config.Facilitator.FinalityConfirmations = n
		}
	}
	if interval := os.Getenv("FINALITY_CHECK_INTERVAL_SECONDS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil {
			config.Facilitator.PollIntervalSeconds = n
		}
	}
	if startBlock := os.Getenv("FACILITATOR_START_BLOCK"); startBlock != "" {
		if n, err := strconv.ParseUint(startBlock, 10, 64); err == nil {
			config.Facilitator.StartBlock = n
		}
	}

	// Admin
	envString("JWT_SECRET", &config.Admin.JWTSecret)
	if allowed := os.Getenv("ADMIN_ALLOWED_IPS"); allowed != "" {
		config.Admin.AllowedIPs = splitList(allowed)
	}

	// CORS Configuration
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitList(corsOrigins)
	}
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ReceiptTimeout bound on waiting for a transaction receipt
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.Blockchain.ReceiptTimeoutSeconds) * time.Second
}

// PollInterval facilitator loop interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Facilitator.PollIntervalSeconds) * time.Second
}

// PaymentDeadline quote validity window
func (c *Config) PaymentDeadline() time.Duration {
	return time.Duration(c.Payment.DeadlineSeconds) * time.Second
}

// ListenAddr host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
