package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/models"
	"otc-backend/internal/payment"
	"otc-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PaymentHeader request header carrying the encoded proof
const PaymentHeader = "X-PAYMENT"

// PaymentService quote and submission use case behind /buy-asset
type PaymentService interface {
	Quote(amount *big.Int) (*models.PaymentRequirement, error)
	SubmitPayment(ctx context.Context, amount *big.Int, proof *models.PaymentProof) (*models.SettlementResponse, error)
}

// PaymentHandler x402 resource endpoint
type PaymentHandler struct {
	service PaymentService
	realm   string
	logger  *logrus.Logger
}

func NewPaymentHandler(service PaymentService, realm string, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		service: service,
		realm:   realm,
		logger:  logger,
	}
}

// BuyAssetHandler GET /buy-asset?amount=N, or POST /buy-asset with a BuyAssetRequest body
// Without X-PAYMENT the answer is a 402 quote; with it the proof is settled on chain.
func (h *PaymentHandler) BuyAssetHandler(c *gin.Context) {
	amount, client, err := requestedPurchase(c)
	if err != nil {
		h.respondPaymentError(c, err)
		return
	}

	header := c.GetHeader(PaymentHeader)
	if header == "" {
		h.paymentRequired(c, amount)
		return
	}

	proof, err := payment.DecodePaymentHeader(header)
	if err != nil {
		h.respondPaymentError(c, err)
		return
	}
	if client != "" && !strings.EqualFold(client, proof.ClientAddress) {
		h.respondPaymentError(c, payment.NewPaymentError(payment.ErrCodeInvalidProof, "client_address does not match the payment proof", payment.ErrInvalidProof).
			WithDetails("client_address", client).
			WithDetails("proof_client", proof.ClientAddress))
		return
	}

	resp, err := h.service.SubmitPayment(c.Request.Context(), amount, proof)
	if err != nil {
		h.respondSubmitError(c, proof, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"settlement_id": resp.SettlementID,
		"client":        proof.ClientAddress,
		"asset_amount":  resp.AssetAmount.String(),
		"max_payment":   resp.MaxEURC.String(),
		"create_tx":     resp.TxHash,
		"pull_tx":       resp.PullTxHash,
	}).Info("Payment accepted")
	c.JSON(http.StatusOK, resp)
}

// requestedPurchase amount from ?amount= on GET, or from a BuyAssetRequest body on POST
func requestedPurchase(c *gin.Context) (*big.Int, string, error) {
	if c.Request.Method != http.MethodPost {
		amount, err := payment.ParseAssetAmount(c.Query("amount"))
		return amount, "", err
	}

	var req models.BuyAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, "", payment.NewPaymentError(payment.ErrCodeInvalidAmount, "invalid request body: "+err.Error(), payment.ErrInvalidAmount)
	}
	amount, err := payment.ParseAssetAmount(req.AssetAmount.String())
	return amount, req.ClientAddress, err
}

func (h *PaymentHandler) paymentRequired(c *gin.Context, amount *big.Int) {
	req, err := h.service.Quote(amount)
	if err != nil {
		h.respondPaymentError(c, err)
		return
	}

	c.Header("WWW-Authenticate", fmt.Sprintf("x402 realm=%q", h.realm))
	c.Header("X-Payment-Required", "true")
	c.JSON(http.StatusPaymentRequired, models.PaymentRequiredResponse{
		Error:              "Payment Required",
		Message:            fmt.Sprintf("Pay %s %s to receive %s units of the asset", req.RequiredAmount, req.SettlementTokenSymbol, req.AssetAmount),
		PaymentRequirement: req,
	})
}

func (h *PaymentHandler) respondPaymentError(c *gin.Context, err error) {
	var pe *payment.PaymentError
	if errors.As(err, &pe) {
		respondWithError(c, http.StatusBadRequest, string(pe.Code), pe.Message, pe.Details)
		return
	}
	h.logger.WithError(err).Error("Failed to build payment requirement")
	respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
}

func (h *PaymentHandler) respondSubmitError(c *gin.Context, proof *models.PaymentProof, err error) {
	var pe *payment.PaymentError
	if errors.As(err, &pe) {
		h.logger.WithFields(logrus.Fields{
			"client": proof.ClientAddress,
			"code":   pe.Code,
		}).Warn("Payment proof rejected")
		respondWithError(c, http.StatusBadRequest, string(pe.Code), pe.Message, pe.Details)
		return
	}

	var se *services.SubmissionError
	if errors.As(err, &se) {
		code := interfaces.LedgerErrorCode(err)
		h.logger.WithFields(logrus.Fields{
			"client":        proof.ClientAddress,
			"step":          se.Step,
			"settlement_id": se.SettlementID,
			"tx_hashes":     se.TxHashes,
			"code":          code,
		}).WithError(se.Err).Error("Settlement initiation failed")

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":         "Settlement initiation failed",
			"code":          code,
			"message":       se.Err.Error(),
			"step":          se.Step,
			"settlement_id": se.SettlementID,
			"tx_hashes":     se.TxHashes,
		})
		return
	}

	h.logger.WithError(err).Error("Payment submission failed")
	respondWithError(c, http.StatusInternalServerError, interfaces.LedgerErrorCode(err), err.Error(), nil)
}
