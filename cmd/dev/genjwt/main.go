package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// genjwt prints a short-lived site_id-claimed bearer token for manual RPC
// testing against a running site-agent process, using the same HS256/
// MapClaims shape PeerClient self-signs on every call.
func main() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-123"
	}
	site := os.Getenv("SITE_ID")
	if site == "" {
		site = "scheme://localhost:8443"
	}
	claims := jwt.MapClaims{
		"site_id": site,
		"exp":     time.Now().Add(1 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(signed)
}
