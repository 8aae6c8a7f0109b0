package handlers

import (
	"context"
	"errors"
	"net/http"

	"otc-backend/internal/interfaces"
	"otc-backend/internal/models"
	"otc-backend/internal/repository"
	"otc-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SettlementReader status lookups
type SettlementReader interface {
	GetStatus(ctx context.Context, id string) (*services.SettlementView, error)
	List(ctx context.Context, status models.SettlementStatus, limit int) ([]*models.Settlement, error)
}

// FinalizationRetrier manual finalization for operators
type FinalizationRetrier interface {
	RetryFinalization(ctx context.Context, id string) (*models.Settlement, error)
}

// SettlementHandler settlement status and operator endpoints
type SettlementHandler struct {
	reader  SettlementReader
	retrier FinalizationRetrier // nil when the facilitator loop is disabled
	logger  *logrus.Logger
}

func NewSettlementHandler(reader SettlementReader, retrier FinalizationRetrier, logger *logrus.Logger) *SettlementHandler {
	return &SettlementHandler{
		reader:  reader,
		retrier: retrier,
		logger:  logger,
	}
}

// GetSettlementHandler GET /settlement/:id
func (h *SettlementHandler) GetSettlementHandler(c *gin.Context) {
	id := c.Param("id")

	view, err := h.reader.GetStatus(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, view)
	case errors.Is(err, services.ErrInvalidSettlementID):
		respondWithError(c, http.StatusBadRequest, "INVALID_SETTLEMENT_ID", "settlement id must be a 0x-prefixed bytes32", gin.H{"settlement_id": id})
	case errors.Is(err, repository.ErrNotFound):
		respondWithError(c, http.StatusNotFound, "NOT_FOUND", "settlement not found", gin.H{"settlement_id": id})
	default:
		h.logger.WithFields(logrus.Fields{"settlement_id": id}).WithError(err).Error("Settlement lookup failed")
		respondWithError(c, http.StatusInternalServerError, interfaces.LedgerErrorCode(err), err.Error(), nil)
	}
}

// ListSettlementsHandler GET /settlements?status=&limit=
func (h *SettlementHandler) ListSettlementsHandler(c *gin.Context) {
	status := models.SettlementStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		respondWithError(c, http.StatusBadRequest, "INVALID_STATUS", "unknown settlement status", gin.H{"status": status})
		return
	}

	settlements, err := h.reader.List(c.Request.Context(), status, queryInt(c, "limit", 100))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list settlements")
		respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

// RetryFinalizationHandler POST /admin/settlements/:id/retry-finalization
func (h *SettlementHandler) RetryFinalizationHandler(c *gin.Context) {
	id := c.Param("id")
	if !models.IsSettlementID(id) {
		respondWithError(c, http.StatusBadRequest, "INVALID_SETTLEMENT_ID", "settlement id must be a 0x-prefixed bytes32", gin.H{"settlement_id": id})
		return
	}
	if h.retrier == nil {
		respondWithError(c, http.StatusServiceUnavailable, "FACILITATOR_DISABLED", "facilitator loop is not running on this instance", nil)
		return
	}

	fields := logrus.Fields{
		"settlement_id": id,
		"operator":      c.GetString("admin_subject"),
	}
	h.logger.WithFields(fields).Info("Manual finalization requested")

	settlement, err := h.retrier.RetryFinalization(c.Request.Context(), models.NormalizeSettlementID(id))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"settlement": settlement,
		})
	case errors.Is(err, repository.ErrNotFound):
		respondWithError(c, http.StatusNotFound, "NOT_FOUND", "settlement not found", gin.H{"settlement_id": id})
	case errors.Is(err, services.ErrNotEligible):
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"code":       "NOT_ELIGIBLE",
			"settlement": settlement,
		})
	default:
		h.logger.WithFields(fields).WithError(err).Warn("Manual finalization failed")
		body := gin.H{
			"error":      err.Error(),
			"code":       interfaces.LedgerErrorCode(err),
			"settlement": settlement,
		}
		if settlement != nil {
			body["tx_hashes"] = settlement.TxHashes()
		}
		c.JSON(http.StatusBadGateway, body)
	}
}
