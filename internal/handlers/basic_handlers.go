package handlers

import (
	"context"
	"net/http"
	"time"

	"otc-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// BlockSource chain head lookup
type BlockSource interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// FacilitatorStatusSource polling loop state
type FacilitatorStatusSource interface {
	Status() services.FacilitatorStatus
}

// HealthInfo static deployment facts reported by /health
type HealthInfo struct {
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	Chain       string            `json:"chain"`
	ChainID     int64             `json:"chain_id"`
	Seller      string            `json:"seller"`
	Facilitator string            `json:"facilitator"`
	Contracts   map[string]string `json:"contracts"`
}

// HealthHandler liveness plus a chain reachability check
type HealthHandler struct {
	info        HealthInfo
	blocks      BlockSource
	facilitator FacilitatorStatusSource // nil when the loop is disabled
}

func NewHealthHandler(info HealthInfo, blocks BlockSource, facilitator FacilitatorStatusSource) *HealthHandler {
	return &HealthHandler{
		info:        info,
		blocks:      blocks,
		facilitator: facilitator,
	}
}

// HealthCheckHandler GET /health
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := gin.H{
		"status":      "ok",
		"service":     h.info.Service,
		"version":     h.info.Version,
		"chain":       h.info.Chain,
		"chain_id":    h.info.ChainID,
		"seller":      h.info.Seller,
		"facilitator": h.info.Facilitator,
		"contracts":   h.info.Contracts,
		"timestamp":   time.Now().Unix(),
	}
	if h.facilitator != nil {
		response["facilitator_status"] = h.facilitator.Status()
	}

	current, err := h.blocks.CurrentBlock(ctx)
	if err != nil {
		response["status"] = "degraded"
		response["ledger_error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response["current_block"] = current
	c.JSON(http.StatusOK, response)
}
