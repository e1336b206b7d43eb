// Package auth provides optional ES256 bearer-token authentication for
// the serve upgrade endpoint, grounded on the teacher's relay/jwt.go
// issue/validate pair but scoped down to the single claim the broker
// needs: which termid a token authorizes.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AttachClaims authorize a single termid for a bounded time.
type AttachClaims struct {
	jwt.RegisteredClaims
	TermID string `json:"termid,omitempty"`
}

// GenerateKey creates a new P-256 private key, returning it alongside
// its base64-DER encoding suitable for storing in a config file or
// passing via environment variable.
func GenerateKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("auth: marshal key: %w", err)
	}
	return key, base64.StdEncoding.EncodeToString(der), nil
}

// ParseKey parses a P-256 private key from PEM or base64-encoded DER.
func ParseKey(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse pem key: %w", err)
		}
		return key, nil
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("auth: decode base64 key: %w", err)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse der key: %w", err)
	}
	return key, nil
}

// IssueToken signs a bearer token authorizing termid for ttl.
func IssueToken(key *ecdsa.PrivateKey, termid string, ttl time.Duration) (string, error) {
	claims := AttachClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		TermID: termid,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies an ES256 bearer token and returns its claims.
func ValidateToken(pub *ecdsa.PublicKey, tokenString string) (*AttachClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AttachClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	claims, ok := token.Claims.(*AttachClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}

// CheckRequest extracts and validates the Bearer token from an HTTP
// request's Authorization header against termid. When pub is nil, auth
// is skipped entirely — the teacher's local/dev-mode fallback idiom
// for when no signing key is configured.
func CheckRequest(pub *ecdsa.PublicKey, r *http.Request, termid string) error {
	if pub == nil {
		return nil
	}
	hdr := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(hdr, prefix) {
		return fmt.Errorf("auth: missing bearer token")
	}
	claims, err := ValidateToken(pub, strings.TrimPrefix(hdr, prefix))
	if err != nil {
		return err
	}
	if claims.TermID != "" && claims.TermID != termid {
		return fmt.Errorf("auth: token does not authorize termid %q", termid)
	}
	return nil
}
