package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"otc-backend/internal/clients"
	"otc-backend/internal/config"
	"otc-backend/internal/handlers"
	"otc-backend/internal/models"
	"otc-backend/internal/payment"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const permitValidity = time.Hour

var logger = logrus.New()

// tokenReader ERC-20 permit views the buyer needs before signing
type tokenReader struct {
	client *ethclient.Client
	abi    abi.ABI
	token  common.Address
}

func (t tokenReader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	return t.abi.Unpack(method, out)
}

func (t tokenReader) uint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := t.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

func (t tokenReader) name(ctx context.Context) (string, error) {
	values, err := t.call(ctx, "name")
	if err != nil {
		return "", err
	}
	name, _ := values[0].(string)
	return name, nil
}

func main() {
	server := flag.String("server", "http://localhost:8080", "facilitator base URL")
	amountFlag := flag.String("amount", "50000000000000000000", "asset amount in base units")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml (rpc endpoint and rate source)")
	wait := flag.Duration("wait", 5*time.Minute, "how long to poll the settlement status")
	flag.Parse()

	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(*configPath); err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	cfg := config.AppConfig
	if len(cfg.Blockchain.RPCEndpoints) == 0 {
		logger.Fatal("blockchain.rpcEndpoints is empty")
	}

	keyHex := strings.TrimPrefix(os.Getenv("BUYER_PRIVATE_KEY"), "0x")
	if keyHex == "" {
		logger.Fatal("BUYER_PRIVATE_KEY is not set")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		logger.WithError(err).Fatal("Invalid BUYER_PRIVATE_KEY")
	}
	buyer := crypto.PubkeyToAddress(key.PublicKey)

	ctx := context.Background()
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	resource := fmt.Sprintf("%s/buy-asset?amount=%s", strings.TrimRight(*server, "/"), *amountFlag)

	// 1. Ask for the resource and read the payment requirement
	req, err := fetchRequirement(ctx, httpClient, resource)
	if err != nil {
		logger.WithError(err).Fatal("Failed to obtain payment requirement")
	}
	logger.WithFields(logrus.Fields{
		"required":       req.RequiredAmount.String(),
		"settlement":     req.SettlementTokenSymbol,
		"payment_token":  req.PaymentToken,
		"permit_spender": req.PermitSpender,
		"deadline":       time.Unix(req.PaymentDeadline, 0).Format(time.RFC3339),
	}).Info("💳 Payment required")

	// 2. Budget: required amount converted at the current rate plus the buffer
	fallback, err := decimal.NewFromString(cfg.Rate.DefaultUSDPerEUR)
	if err != nil {
		logger.WithError(err).Fatal("Invalid rate.defaultUsdPerEur")
	}
	rates := clients.NewRateClient(cfg.Rate.APIURL, fallback,
		time.Duration(cfg.Rate.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Rate.TimeoutSeconds)*time.Second)
	budget, err := payment.MinimumPayment(req.RequiredAmount.Big(), payment.ValidationPolicy{
		PaymentPerSettlement: rates.PaymentPerSettlement(ctx),
		PaymentDecimals:      cfg.Tokens.Payment.Decimals,
		SettlementDecimals:   req.Metadata.SettlementDecimals,
		SlippageBufferBps:    req.Metadata.SlippageBufferBps,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to compute payment budget")
	}

	// 3. Check the payment token balance and read the permit nonce
	client, err := ethclient.DialContext(ctx, cfg.Blockchain.RPCEndpoints[0])
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to RPC")
	}
	defer client.Close()

	tokenABI, err := config.ContractABI(config.ContractPaymentToken)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load token ABI")
	}
	token := tokenReader{client: client, abi: tokenABI, token: common.HexToAddress(req.PaymentToken)}

	balance, err := token.uint(ctx, "balanceOf", buyer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read payment token balance")
	}
	if balance.Cmp(budget) < 0 {
		logger.WithFields(logrus.Fields{"balance": balance.String(), "budget": budget.String()}).
			Fatal("Insufficient payment token balance")
	}
	nonce, err := token.uint(ctx, "nonces", buyer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read permit nonce")
	}
	tokenName, err := token.name(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read token name")
	}

	// 4. Sign the permit for the puller and submit the proof
	deadline := time.Now().Add(permitValidity).Unix()
	sig, err := payment.SignPermit(key, payment.PermitData{
		TokenName: tokenName,
		ChainID:   big.NewInt(req.ChainID),
		Token:     token.token,
		Owner:     buyer,
		Spender:   common.HexToAddress(req.PermitSpender),
		Value:     budget,
		Nonce:     nonce,
		Deadline:  big.NewInt(deadline),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to sign permit")
	}
	header, err := payment.EncodePaymentHeader(&models.PaymentProof{
		Version:            req.Version,
		ClientAddress:      buyer.Hex(),
		PaymentToken:       req.PaymentToken,
		PaymentTokenSymbol: req.PaymentTokenSymbol,
		MaxPaymentAmount:   models.NewAmount(budget),
		PermitSignature:    sig,
		Timestamp:          time.Now().Unix(),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to encode payment header")
	}

	resp, err := submitPayment(ctx, httpClient, resource, header)
	if err != nil {
		logger.WithError(err).Fatal("Payment was not accepted")
	}
	logger.WithFields(logrus.Fields{
		"settlement_id": resp.SettlementID,
		"min_payment":   resp.MinPayment.String(),
		"max_payment":   resp.MaxEURC.String(),
		"tx_hash":       resp.TxHash,
		"pull_tx_hash":  resp.PullTxHash,
	}).Info("✅ Payment accepted")

	// 5. Follow the settlement until it reaches a terminal state
	if err := pollSettlement(ctx, httpClient, *server, resp.SettlementID, *wait); err != nil {
		logger.WithError(err).Fatal("Settlement did not complete")
	}
}

func fetchRequirement(ctx context.Context, client *http.Client, resource string) (*models.PaymentRequirement, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("expected 402, got %d: %s", resp.StatusCode, body)
	}
	var body models.PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode 402 body: %w", err)
	}
	if body.PaymentRequirement == nil {
		return nil, fmt.Errorf("402 body carries no payment requirement")
	}
	return body.PaymentRequirement, nil
}

func submitPayment(ctx context.Context, client *http.Client, resource, header string) (*models.SettlementResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(handlers.PaymentHeader, header)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var out models.SettlementResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode settlement response: %w", err)
	}
	return &out, nil
}

func pollSettlement(ctx context.Context, client *http.Client, server, id string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	url := fmt.Sprintf("%s/settlement/%s", strings.TrimRight(server, "/"), id)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	last := models.SettlementStatus("")
	for {
		status, err := settlementStatus(ctx, client, url)
		if err != nil {
			logger.WithError(err).Warn("Status lookup failed")
		} else if status != last {
			logger.WithField("status", status).Info("📦 Settlement status")
			last = status
		}
		switch last {
		case models.SettlementStatusSettled:
			return nil
		case models.SettlementStatusExpired, models.SettlementStatusFailed:
			return fmt.Errorf("settlement ended as %s", last)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting at status %q: %w", last, ctx.Err())
		case <-ticker.C:
		}
	}
}

func settlementStatus(ctx context.Context, client *http.Client, url string) (models.SettlementStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var view struct {
		Settlement *models.Settlement `json:"settlement"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return "", err
	}
	if view.Settlement == nil {
		return "", fmt.Errorf("empty settlement view")
	}
	return view.Settlement.Status, nil
}
