package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LocalhostOnly limits a route group to loopback clients and an optional allowlist of IPs or CIDRs
type LocalhostOnly struct {
	logger   *logrus.Logger
	networks []*net.IPNet
}

// NewLocalhostOnly parses the allowlist once; unparsable entries are logged and skipped
func NewLocalhostOnly(logger *logrus.Logger, allowedIPs []string) *LocalhostOnly {
	l := &LocalhostOnly{logger: logger}
	for _, entry := range allowedIPs {
		network, ok := parseAllowed(strings.TrimSpace(entry))
		if !ok {
			logger.WithField("allowed", entry).Warn("Ignoring invalid admin.allowedIPs entry")
			continue
		}
		l.networks = append(l.networks, network)
	}
	return l
}

// parseAllowed turns "10.0.0.0/8" or a bare address into a network
func parseAllowed(entry string) (*net.IPNet, bool) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		return network, err == nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, false
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, true
}

// Restrict relies on gin's ClientIP, so trusted proxies must be set on the engine
func (l *LocalhostOnly) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if l.allows(clientIP) {
			c.Next()
			return
		}

		l.logger.WithFields(logrus.Fields{
			"client_ip":  clientIP,
			"path":       c.Request.URL.Path,
			"user_agent": c.GetHeader("User-Agent"),
		}).Warn("🚫 Admin API request from a non-allowed address")

		respondForbidden(c)
	}
}

func respondForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error": "admin API is only reachable from loopback or admin.allowedIPs",
		"code":  "IP_NOT_ALLOWED",
	})
}

func (l *LocalhostOnly) allows(addr string) bool {
	if addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, network := range l.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
