package router

import (
	"net/http"
	"strconv"
	"strings"

	"otc-backend/internal/config"
	"otc-backend/internal/handlers"
	"otc-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	allowedHeaders = "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept, X-PAYMENT"
	exposedHeaders = "Content-Length, Content-Type, WWW-Authenticate, X-Payment-Required"
)

// Handlers everything the router mounts
type Handlers struct {
	Payment    *handlers.PaymentHandler
	Settlement *handlers.SettlementHandler
	Health     *handlers.HealthHandler
	Events     *handlers.EventsHandler
}

// corsMiddleware CORS middleware. An empty allowlist allows every origin.
func corsMiddleware(cors config.CORSConfig, logger *logrus.Logger) gin.HandlerFunc {
	allowedOrigins := cors.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	maxAge := cors.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if strings.TrimSpace(allowedOrigin) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
			} else {
				logger.WithFields(logrus.Fields{
					"request_origin":  origin,
					"allowed_origins": allowedOrigins,
					"path":            c.Request.URL.Path,
					"method":          c.Request.Method,
					"remote_addr":     c.ClientIP(),
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if cors.AllowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Header("Access-Control-Expose-Headers", exposedHeaders)
		c.Next()
	}
}

// requestLogger one structured line per request
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":      c.Writer.Status(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"remote_addr": c.ClientIP(),
		})
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("HTTP request failed")
		case status >= http.StatusBadRequest && status != http.StatusPaymentRequired:
			entry.Warn("HTTP request rejected")
		default:
			entry.Debug("HTTP request served")
		}
	}
}

// SetupRouter mounts the x402 resource, status, operator and observability routes
func SetupRouter(cfg *config.Config, h Handlers, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(corsMiddleware(cfg.CORS, logger))

	// ============ Observability ============
	r.GET("/health", h.Health.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ x402 resource ============
	r.GET("/buy-asset", h.Payment.BuyAssetHandler)
	r.POST("/buy-asset", h.Payment.BuyAssetHandler)

	// ============ Settlement status ============
	r.GET("/settlement/:id", h.Settlement.GetSettlementHandler)
	r.GET("/settlements", h.Settlement.ListSettlementsHandler)

	// ============ Lifecycle feed ============
	r.GET("/events", h.Events.RecentEventsHandler)
	r.GET("/ws/events", h.Events.WebSocketHandler)

	// ============ Admin ============
	if len(cfg.Admin.AllowedIPs) > 0 {
		logger.WithFields(logrus.Fields{
			"allowed_ips": cfg.Admin.AllowedIPs,
			"count":       len(cfg.Admin.AllowedIPs),
		}).Info("Admin API IP whitelist configured")
	} else {
		logger.Info("No admin.allowedIPs configured, using localhost-only mode")
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, cfg.Admin.AllowedIPs)
	auth := middleware.NewAuthMiddleware(logger, cfg.Admin.JWTSecret, cfg.Admin.Issuer)

	admin := r.Group("/admin", localhostOnly.Restrict(), auth.RequireAdmin())
	{
		admin.POST("/settlements/:id/retry-finalization", h.Settlement.RetryFinalizationHandler)
	}

	// ============ NoRoute handler for 404 ============
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "Endpoint not found",
			"path":       c.Request.URL.Path,
			"suggestion": "Available endpoints: /buy-asset, /settlement/:id, /settlements, /events, /ws/events, /health, /metrics",
		})
	})

	return r
}
