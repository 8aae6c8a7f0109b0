package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newAdminEngine(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	r := gin.New()
	auth := NewAuthMiddleware(logger, secret, "otc-backend")
	r.POST("/admin/ping", auth.RequireAdmin(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString("admin_subject")})
	})
	return r
}

func doAdmin(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/ping", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAdmin(t *testing.T) {
	r := newAdminEngine(testSecret)

	valid, err := GenerateAdminToken([]byte(testSecret), "otc-backend", "ops", time.Hour)
	require.NoError(t, err)
	expired, err := GenerateAdminToken([]byte(testSecret), "otc-backend", "ops", -time.Minute)
	require.NoError(t, err)
	wrongSecret, err := GenerateAdminToken([]byte("other"), "otc-backend", "ops", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := GenerateAdminToken([]byte(testSecret), "someone-else", "ops", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + wrongIssuer, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAdmin(r, tt.header)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestRequireAdminRejectsOtherRoles(t *testing.T) {
	r := newAdminEngine(testSecret)

	claims := AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    "otc-backend",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	w := doAdmin(r, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdminWithoutSecret(t *testing.T) {
	r := newAdminEngine("")
	w := doAdmin(r, "Bearer anything")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLocalhostOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	r := gin.New()
	r.GET("/admin", NewLocalhostOnly(logger, []string{"10.0.0.0/8", "192.168.1.7", "not-an-ip"}).Restrict(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for addr, status := range map[string]int{
		"127.0.0.1:5000":   http.StatusOK,
		"[::1]:5000":       http.StatusOK,
		"10.1.2.3:5000":    http.StatusOK,
		"192.168.1.7:5000": http.StatusOK,
		"192.168.1.8:5000": http.StatusForbidden,
		"8.8.8.8:5000":     http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, addr)
	}
}
