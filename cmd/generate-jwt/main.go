package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"otc-backend/internal/middleware"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	issuer := flag.String("issuer", "otc-backend", "token issuer, must match admin.issuer")
	subject := flag.String("subject", "operator", "operator name recorded in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Println("❌ JWT_SECRET is not set (use the same value as admin.jwtSecret)")
		os.Exit(1)
	}

	tokenString, err := middleware.GenerateAdminToken([]byte(secret), *issuer, *subject, *ttl)
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	// Round-trip through the same validation the admin routes apply
	claims, err := middleware.ValidateAdminToken([]byte(secret), *issuer, tokenString)
	if err != nil {
		fmt.Printf("Error validating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("Admin JWT Token Generated")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Println("Claims:")
	fmt.Printf("  Subject: %s\n", claims.Subject)
	fmt.Printf("  Issuer: %s\n", claims.Issuer)
	fmt.Printf("  Role: %s\n", claims.Role)
	fmt.Printf("  Expires: %s\n", expiry(claims.ExpiresAt))
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("Usage:")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Printf("curl -X POST -H 'Authorization: Bearer %s' \\\n", tokenString)
	fmt.Println("  http://localhost:8080/admin/settlements/<settlement_id>/retry-finalization")
	fmt.Println()
}

func expiry(t *jwt.NumericDate) string {
	if t == nil {
		return "never"
	}
	return t.Time.Format(time.RFC3339)
}
