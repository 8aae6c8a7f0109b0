// Package handlers serves the buyer-facing x402 endpoints and the operator views
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// respondWithError unified error body: {"error", "code", "details"}
func respondWithError(c *gin.Context, statusCode int, code, message string, details interface{}) {
	response := gin.H{
		"error": message,
		"code":  code,
	}
	if details != nil {
		response["details"] = details
	}
	c.JSON(statusCode, response)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
