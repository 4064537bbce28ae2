//go:build ignore

// This script generates a bearer token for the relayer admin API.
// Run with: go run scripts/generate-admin-token.go
//
// The secret must match admin.jwt_secret in the relayer config; the
// subject is recorded in the audit log on every force release.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("ZENZ_ADMIN_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "ZENZ_ADMIN_SECRET is required")
		os.Exit(1)
	}

	subject := os.Getenv("ZENZ_ADMIN_SUBJECT")
	if subject == "" {
		subject = "ops@zenzlabs.io"
	}

	issuer := os.Getenv("ZENZ_ADMIN_ISSUER")
	if issuer == "" {
		issuer = "zenz-ops"
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
