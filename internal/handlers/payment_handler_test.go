package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/models"
	"otc-backend/internal/payment"
	"otc-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPaymentService struct {
	submitted *models.PaymentProof
	amount    *big.Int
	submitErr error
}

func (s *stubPaymentService) Quote(amount *big.Int) (*models.PaymentRequirement, error) {
	required := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(110)), big.NewInt(100_000_000_000_000))
	return &models.PaymentRequirement{
		Version:               "1.0",
		Chain:                 "polygon-amoy",
		ChainID:               80002,
		SettlementTokenSymbol: "MockUSDC",
		RequiredAmount:        models.NewAmount(required),
		AssetAmount:           models.NewAmount(amount),
		PaymentDeadline:       time.Now().Add(time.Hour).Unix(),
		Resource:              "/buy-asset?amount=" + amount.String(),
	}, nil
}

func (s *stubPaymentService) SubmitPayment(ctx context.Context, amount *big.Int, proof *models.PaymentProof) (*models.SettlementResponse, error) {
	s.submitted = proof
	s.amount = amount
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &models.SettlementResponse{
		SettlementID: "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000",
		Status:       string(models.SettlementStatusCreated),
		RequiredUSDC: models.AmountFromUint64(55_000_000),
		MaxEURC:      proof.MaxPaymentAmount,
		AssetAmount:  models.NewAmount(amount),
		TxHash:       "0xcreate",
		PullTxHash:   "0xpull",
	}, nil
}

func newPaymentEngine(svc PaymentService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	r := gin.New()
	h := NewPaymentHandler(svc, "OTC Asset Purchase", logger)
	r.GET("/buy-asset", h.BuyAssetHandler)
	r.POST("/buy-asset", h.BuyAssetHandler)
	return r
}

func buyAsset(r *gin.Engine, query, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/buy-asset"+query, nil)
	if header != "" {
		req.Header.Set(PaymentHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postBuyAsset(r *gin.Engine, body, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/buy-asset", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(PaymentHeader, header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func testProofHeader(t *testing.T) string {
	t.Helper()
	header, err := payment.EncodePaymentHeader(&models.PaymentProof{
		Version:          "1.0",
		ClientAddress:    "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		PaymentToken:     "0x2222222222222222222222222222222222222222",
		MaxPaymentAmount: models.AmountFromUint64(60_000_000),
		PermitSignature:  models.PermitSignature{Deadline: time.Now().Add(time.Hour).Unix(), V: 27, R: "0x01", S: "0x02"},
		Timestamp:        time.Now().Unix(),
	})
	require.NoError(t, err)
	return header
}

func TestBuyAssetReturns402(t *testing.T) {
	r := newPaymentEngine(&stubPaymentService{})

	w := buyAsset(r, "?amount=100000000000000000000", "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, `x402 realm="OTC Asset Purchase"`, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))

	var body models.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Payment Required", body.Error)
	require.NotNil(t, body.PaymentRequirement)
	assert.Equal(t, "110000000", body.PaymentRequirement.RequiredAmount.String())
	assert.Equal(t, "/buy-asset?amount=100000000000000000000", body.PaymentRequirement.Resource)
}

func TestBuyAssetRejectsBadAmount(t *testing.T) {
	r := newPaymentEngine(&stubPaymentService{})

	for _, query := range []string{"", "?amount=abc", "?amount=0", "?amount=-5"} {
		w := buyAsset(r, query, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, query)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "INVALID_AMOUNT", body["code"], query)
	}
}

func TestBuyAssetRejectsMalformedHeader(t *testing.T) {
	svc := &stubPaymentService{}
	r := newPaymentEngine(svc)

	w := buyAsset(r, "?amount=1000", "Bearer abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MALFORMED_HEADER")

	w = buyAsset(r, "?amount=1000", "x402 !!!not-base64!!!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, svc.submitted)
}

func TestBuyAssetSettles(t *testing.T) {
	svc := &stubPaymentService{}
	r := newPaymentEngine(svc)

	w := buyAsset(r, "?amount=50000000000000000000", testProofHeader(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, svc.submitted)
	assert.Equal(t, "60000000", svc.submitted.MaxPaymentAmount.String())

	var body models.SettlementResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "created", body.Status)
	assert.Equal(t, "0xcreate", body.TxHash)
	assert.Equal(t, "0xpull", body.PullTxHash)
}

func TestPostBuyAsset(t *testing.T) {
	t.Run("quote from body", func(t *testing.T) {
		r := newPaymentEngine(&stubPaymentService{})

		w := postBuyAsset(r, `{"asset_amount": 100000000000000000000, "client_address": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}`, "")
		require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())

		var body models.PaymentRequiredResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.NotNil(t, body.PaymentRequirement)
		assert.Equal(t, "110000000", body.PaymentRequirement.RequiredAmount.String())
	})

	t.Run("settles with proof", func(t *testing.T) {
		svc := &stubPaymentService{}
		r := newPaymentEngine(svc)

		w := postBuyAsset(r, `{"asset_amount": "50000000000000000000", "client_address": "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"}`, testProofHeader(t))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NotNil(t, svc.amount)
		assert.Equal(t, "50000000000000000000", svc.amount.String())
	})

	t.Run("client must match proof", func(t *testing.T) {
		svc := &stubPaymentService{}
		r := newPaymentEngine(svc)

		w := postBuyAsset(r, `{"asset_amount": 1000, "client_address": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}`, testProofHeader(t))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_PROOF")
		assert.Nil(t, svc.submitted)
	})

	t.Run("bad body", func(t *testing.T) {
		r := newPaymentEngine(&stubPaymentService{})

		for _, body := range []string{``, `{}`, `{"asset_amount": "abc"}`, `{"asset_amount": 0}`, `not json`} {
			w := postBuyAsset(r, body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
			assert.Contains(t, w.Body.String(), "INVALID_AMOUNT", body)
		}
	})
}

func TestBuyAssetValidationFailure(t *testing.T) {
	svc := &stubPaymentService{
		submitErr: payment.NewPaymentError(payment.ErrCodeInsufficientPayment, "max payment amount is below the required minimum", payment.ErrInsufficientPayment).
			WithDetails("required", "56018519").
			WithDetails("provided", "56018518"),
	}
	r := newPaymentEngine(svc)

	w := buyAsset(r, "?amount=50000000000000000000", testProofHeader(t))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error   string            `json:"error"`
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INSUFFICIENT_PAYMENT", body.Code)
	assert.Equal(t, "56018519", body.Details["required"])
}

func TestBuyAssetLedgerFailure(t *testing.T) {
	svc := &stubPaymentService{
		submitErr: &services.SubmissionError{
			Step:         models.StepPull,
			SettlementID: "0x01",
			TxHashes:     map[string]string{"create": "0xcreate", "pull": "0xpull"},
			Err:          &interfaces.LedgerRejectionError{Step: "pull", TxHash: "0xpull", Block: 7},
		},
	}
	r := newPaymentEngine(svc)

	w := buyAsset(r, "?amount=50000000000000000000", testProofHeader(t))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body struct {
		Code     string            `json:"code"`
		Step     string            `json:"step"`
		TxHashes map[string]string `json:"tx_hashes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "LEDGER_REJECTED", body.Code)
	assert.Equal(t, "pull", body.Step)
	assert.Equal(t, "0xcreate", body.TxHashes["create"])
	assert.Equal(t, "0xpull", body.TxHashes["pull"])
}

func TestBuyAssetUnexpectedFailure(t *testing.T) {
	r := newPaymentEngine(&stubPaymentService{submitErr: errors.New("boom")})

	w := buyAsset(r, "?amount=1000", testProofHeader(t))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "LEDGER_ERROR")
}
