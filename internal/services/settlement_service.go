package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"otc-backend/internal/config"
	"otc-backend/internal/events"
	"otc-backend/internal/interfaces"
	"otc-backend/internal/metrics"
	"otc-backend/internal/models"
	"otc-backend/internal/payment"
	"otc-backend/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrInvalidSettlementID the id is not a 0x-prefixed bytes32
var ErrInvalidSettlementID = errors.New("invalid settlement id")

// RateSource EUR/USD rate provider
type RateSource interface {
	USDPerEUR(ctx context.Context) decimal.Decimal
	PaymentPerSettlement(ctx context.Context) decimal.Decimal
}

// SettlementServiceConfig quote terms and the addresses a settlement involves
type SettlementServiceConfig struct {
	Version string
	Chain   string
	ChainID int64

	Seller          string
	AssetToken      string
	SettlementToken string
	PaymentToken    string
	SettlementVault string
	PermitPuller    string

	SettlementSymbol   string
	PaymentSymbol      string
	AssetDecimals      int32
	SettlementDecimals int32
	PaymentDecimals    int32

	PricePerUnit      decimal.Decimal
	SlippageBufferBps int64
	DeadlineOffset    time.Duration
	MaxClockSkew      time.Duration
	ReceiptTimeout    time.Duration
}

// NewSettlementServiceConfig derives the service settings from the application config
func NewSettlementServiceConfig(cfg *config.Config) (SettlementServiceConfig, error) {
	seller, err := cfg.SellerAddress()
	if err != nil {
		return SettlementServiceConfig{}, err
	}
	price, err := decimal.NewFromString(cfg.Payment.PricePerUnit)
	if err != nil {
		return SettlementServiceConfig{}, &config.ConfigurationError{Field: "payment.pricePerUnit", Reason: err.Error()}
	}
	return SettlementServiceConfig{
		Version:            cfg.Payment.RequirementVersion,
		Chain:              cfg.Payment.ChainLabel,
		ChainID:            cfg.Blockchain.ChainID,
		Seller:             seller.Hex(),
		AssetToken:         checksum(cfg.Contracts.AssetToken),
		SettlementToken:    checksum(cfg.Contracts.SettlementToken),
		PaymentToken:       checksum(cfg.Contracts.PaymentToken),
		SettlementVault:    checksum(cfg.Contracts.SettlementVault),
		PermitPuller:       checksum(cfg.Contracts.PermitPuller),
		SettlementSymbol:   cfg.Tokens.Settlement.Symbol,
		PaymentSymbol:      cfg.Tokens.Payment.Symbol,
		AssetDecimals:      cfg.Tokens.Asset.Decimals,
		SettlementDecimals: cfg.Tokens.Settlement.Decimals,
		PaymentDecimals:    cfg.Tokens.Payment.Decimals,
		PricePerUnit:       price,
		SlippageBufferBps:  cfg.Payment.SlippageBufferBps,
		DeadlineOffset:     cfg.PaymentDeadline(),
		MaxClockSkew:       time.Duration(cfg.Payment.MaxClockSkewSeconds) * time.Second,
		ReceiptTimeout:     cfg.ReceiptTimeout(),
	}, nil
}

func checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// SubmissionError an accepted proof whose on-chain initiation failed.
// TxHashes holds every transaction that was broadcast before the failure.
type SubmissionError struct {
	Step         models.SettlementStep
	SettlementID string
	TxHashes     map[string]string
	Err          error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// SettlementView status lookup result
type SettlementView struct {
	Source     string                    `json:"source"` // "registry" or "chain"
	Settlement *models.Settlement        `json:"settlement"`
	OnChain    *models.OnChainSettlement `json:"on_chain,omitempty"`
	Failures   []*models.StepFailure     `json:"failures,omitempty"`
}

// SettlementService the buyer-facing use case: quote, accept a proof and
// start the settlement on chain, look up status. It never writes the registry.
type SettlementService struct {
	repo     repository.SettlementRepository
	ledger   interfaces.LedgerGateway
	rates    RateSource
	steps    ledgerSteps
	cfg      SettlementServiceConfig
	notifier events.Notifier
	now      func() time.Time
}

func NewSettlementService(
	repo repository.SettlementRepository,
	ledger interfaces.LedgerGateway,
	rates RateSource,
	cfg SettlementServiceConfig,
	notifier events.Notifier,
) *SettlementService {
	if notifier == nil {
		notifier = events.Fanout{}
	}
	return &SettlementService{
		repo:     repo,
		ledger:   ledger,
		rates:    rates,
		steps:    ledgerSteps{ledger: ledger, timeout: cfg.ReceiptTimeout},
		cfg:      cfg,
		notifier: notifier,
		now:      time.Now,
	}
}

// Config quote settings in effect
func (s *SettlementService) Config() SettlementServiceConfig {
	return s.cfg
}

// Quote builds the payment requirement for amount smallest units of the asset
func (s *SettlementService) Quote(amount *big.Int) (*models.PaymentRequirement, error) {
	req, err := payment.BuildRequirement(payment.RequirementInput{
		AssetAmount:           amount,
		PricePerUnit:          s.cfg.PricePerUnit,
		AssetDecimals:         s.cfg.AssetDecimals,
		SettlementDecimals:    s.cfg.SettlementDecimals,
		DeadlineOffset:        s.cfg.DeadlineOffset,
		Version:               s.cfg.Version,
		Chain:                 s.cfg.Chain,
		ChainID:               s.cfg.ChainID,
		Seller:                s.cfg.Seller,
		AssetToken:            s.cfg.AssetToken,
		SettlementToken:       s.cfg.SettlementToken,
		SettlementTokenSymbol: s.cfg.SettlementSymbol,
		SettlementVault:       s.cfg.SettlementVault,
		PaymentToken:          s.cfg.PaymentToken,
		PaymentTokenSymbol:    s.cfg.PaymentSymbol,
		PermitSpender:         s.cfg.PermitPuller,
		SlippageBufferBps:     s.cfg.SlippageBufferBps,
	}, s.now())
	if err != nil {
		return nil, err
	}
	metrics.PaymentRequirementsIssued.Inc()
	return req, nil
}

// Policy proof acceptance rules at the current exchange rate
func (s *SettlementService) Policy(ctx context.Context) payment.ValidationPolicy {
	return payment.ValidationPolicy{
		PaymentToken:         s.cfg.PaymentToken,
		PaymentPerSettlement: s.rates.PaymentPerSettlement(ctx),
		PaymentDecimals:      s.cfg.PaymentDecimals,
		SettlementDecimals:   s.cfg.SettlementDecimals,
		SlippageBufferBps:    s.cfg.SlippageBufferBps,
		QuoteValidity:        s.cfg.DeadlineOffset,
		MaxClockSkew:         s.cfg.MaxClockSkew,
	}
}

// SubmitPayment validates the proof against a fresh requirement, then creates
// the settlement on chain and pulls the buyer's payment with the permit
func (s *SettlementService) SubmitPayment(ctx context.Context, amount *big.Int, proof *models.PaymentProof) (*models.SettlementResponse, error) {
	req, err := s.Quote(amount)
	if err != nil {
		return nil, err
	}

	validated, err := payment.ValidateProof(req, proof, s.Policy(ctx), s.now())
	if err != nil {
		s.rejected(proof, err)
		return nil, err
	}
	metrics.PaymentProofsAccepted.Inc()

	client := common.HexToAddress(proof.ClientAddress)
	log.Printf("💳 [Settlement] Proof accepted: client=%s asset=%s required=%s min=%s max=%s",
		client.Hex(), req.AssetAmount, validated.RequiredSettlement, validated.MinPayment, validated.MaxPayment)

	// 1. createSettlement
	createCall := interfaces.ContractCall{
		Contract: config.ContractSettlementVault,
		Method:   "createSettlement",
		Args: []interface{}{
			client,
			common.HexToAddress(s.cfg.Seller),
			common.HexToAddress(s.cfg.AssetToken),
			req.AssetAmount.Big(),
			validated.RequiredSettlement.Big(),
			validated.MaxPayment.Big(),
		},
	}
	receipt, createTx, err := s.steps.run(ctx, models.StepCreate, createCall)
	if err != nil {
		return nil, s.submissionFailed(ctx, models.StepCreate, "", map[string]string{"create": createTx}, err)
	}
	created, ok := receipt.FindEvent(models.EventSettlementCreated)
	if !ok {
		err := fmt.Errorf("createSettlement receipt %s has no SettlementCreated event", createTx)
		return nil, s.submissionFailed(ctx, models.StepCreate, "", map[string]string{"create": createTx}, err)
	}
	settlementID := created.SettlementID
	log.Printf("📦 [Settlement] Settlement %s created in tx %s", settlementID, createTx)

	// 2. pullWithPermit
	idBytes, err := settlementIDBytes(settlementID)
	if err != nil {
		return nil, s.submissionFailed(ctx, models.StepPull, settlementID, map[string]string{"create": createTx}, err)
	}
	r, sWord, err := payment.PermitWords(proof.PermitSignature)
	if err != nil {
		return nil, s.submissionFailed(ctx, models.StepPull, settlementID, map[string]string{"create": createTx}, err)
	}
	pullCall := interfaces.ContractCall{
		Contract: config.ContractPermitPuller,
		Method:   "pullWithPermit",
		Args: []interface{}{
			idBytes,
			client,
			validated.MaxPayment.Big(),
			big.NewInt(proof.PermitSignature.Deadline),
			payment.NormalizeV(proof.PermitSignature.V),
			r,
			sWord,
		},
	}
	_, pullTx, err := s.steps.run(ctx, models.StepPull, pullCall)
	if err != nil {
		return nil, s.submissionFailed(ctx, models.StepPull, settlementID, map[string]string{"create": createTx, "pull": pullTx}, err)
	}

	s.notifier.Notify(events.NewSettlementEvent(events.EventPaymentAccepted, settlementID, "payment accepted, funds pulled with permit").
		WithTx(pullTx, 0).
		WithDetail("client", client.Hex()).
		WithDetail("max_payment", validated.MaxPayment.String()))

	return &models.SettlementResponse{
		SettlementID: settlementID,
		Status:       string(models.SettlementStatusCreated),
		Message:      "Payment accepted. Settlement created and funds pulled; the asset is released once the swap reaches finality.",
		RequiredUSDC: validated.RequiredSettlement,
		MaxEURC:      validated.MaxPayment,
		MinPayment:   validated.MinPayment,
		AssetAmount:  req.AssetAmount,
		TxHash:       createTx,
		PullTxHash:   pullTx,
	}, nil
}

func (s *SettlementService) rejected(proof *models.PaymentProof, err error) {
	code := "INVALID_PROOF"
	var pe *payment.PaymentError
	if errors.As(err, &pe) {
		code = string(pe.Code)
	}
	metrics.PaymentProofsRejected.WithLabelValues(code).Inc()

	client := ""
	if proof != nil {
		client = proof.ClientAddress
	}
	log.Printf("⚠️ [Settlement] Proof rejected for %s: %v", client, err)
	s.notifier.Notify(events.NewSettlementEvent(events.EventPaymentRejected, "", err.Error()).
		WithDetail("code", code).
		WithDetail("client", client))
}

func (s *SettlementService) submissionFailed(ctx context.Context, step models.SettlementStep, settlementID string, hashes map[string]string, err error) error {
	for k, v := range hashes {
		if v == "" {
			delete(hashes, k)
		}
	}
	log.Printf("❌ [Settlement] %s failed (settlement=%s): %v", step, settlementID, err)

	if settlementID != "" {
		failure := models.NewStepFailure(settlementID, step, failureKind(err), hashes[string(step)], err)
		if recErr := s.repo.RecordFailure(ctx, failure); recErr != nil {
			log.Printf("❌ [Settlement] Failed to record %s failure: %v", step, recErr)
		}
	}
	s.notifier.Notify(events.NewSettlementEvent(events.EventStepFailed, settlementID, err.Error()).
		WithTx(hashes[string(step)], 0).
		WithDetail("step", string(step)).
		WithDetail("code", interfaces.LedgerErrorCode(err)))

	return &SubmissionError{Step: step, SettlementID: settlementID, TxHashes: hashes, Err: err}
}

// GetStatus registry snapshot, or the vault's view when the registry has not seen the id yet
func (s *SettlementService) GetStatus(ctx context.Context, id string) (*SettlementView, error) {
	if _, err := settlementIDBytes(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettlementID, err)
	}
	id = models.NormalizeSettlementID(id)

	settlement, err := s.repo.Get(ctx, id)
	if err == nil {
		failures, ferr := s.repo.ListFailures(ctx, id)
		if ferr != nil {
			log.Printf("⚠️ [Settlement] Failed to list step failures for %s: %v", id, ferr)
		}
		return &SettlementView{Source: "registry", Settlement: settlement, Failures: failures}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	view, err := readOnChainSettlement(ctx, s.ledger, id)
	if err != nil {
		return nil, fmt.Errorf("vault lookup failed: %w", err)
	}
	if !view.Exists() {
		return nil, repository.ErrNotFound
	}

	snapshot := &models.Settlement{
		ID:                       id,
		Client:                   view.Client,
		Seller:                   view.Seller,
		AssetToken:               view.AssetToken,
		SettlementToken:          s.cfg.SettlementToken,
		PaymentToken:             s.cfg.PaymentToken,
		AssetAmount:              view.AssetAmount,
		RequiredSettlementAmount: view.RequiredUSDC,
		MaxPaymentAmount:         view.MaxEURC,
		Status:                   view.Status(),
		FundedBlock:              view.FundedBlock,
	}
	if !view.ActualEURC.IsZero() {
		actual := view.ActualEURC
		snapshot.ActualPayment = &actual
	}
	return &SettlementView{Source: "chain", Settlement: snapshot, OnChain: view}, nil
}

// List registry listing for operators, newest first
func (s *SettlementService) List(ctx context.Context, status models.SettlementStatus, limit int) ([]*models.Settlement, error) {
	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, status, limit)
}
