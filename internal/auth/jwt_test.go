package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}
	return key, string(pem.EncodeToMemory(block))
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

func baseClaims(now time.Time) Claims {
	return Claims{
		DeviceID:  "device-1",
		SessionID: "session-1",
		Scope:     []string{"chat:write"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "account-1",
			ID:        "jti-1",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestAuthenticateTokenSuccess(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	authr, err := NewRSAAuthenticator(pub)
	if err != nil {
		t.Fatalf("NewRSAAuthenticator: %v", err)
	}
	now := time.Now()
	token := signToken(t, key, baseClaims(now))

	identity, err := authr.AuthenticateToken(token)
	if err != nil {
		t.Fatalf("AuthenticateToken: %v", err)
	}
	if identity.AccountID != "account-1" || identity.DeviceID != "device-1" || identity.SessionID != "session-1" {
		t.Fatalf("unexpected identity: %#v", identity)
	}
}

func TestAuthenticateTokenRejectsReplay(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	authr, err := NewRSAAuthenticator(pub)
	if err != nil {
		t.Fatalf("NewRSAAuthenticator: %v", err)
	}
	token := signToken(t, key, baseClaims(time.Now()))

	if _, err := authr.AuthenticateToken(token); err != nil {
		t.Fatalf("first AuthenticateToken: %v", err)
	}
	if _, err := authr.AuthenticateToken(token); err == nil {
		t.Fatal("expected replay rejection on second use")
	}
}

func TestAuthenticateTokenRejectsExpired(t *testing.T) {
	key, pub := generateTestKeyPair(t)
	authr, err := NewRSAAuthenticator(pub, WithClockSkew(0))
	if err != nil {
		t.Fatalf("NewRSAAuthenticator: %v", err)
	}
	claims := baseClaims(time.Now().Add(-2 * time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signToken(t, key, claims)

	if _, err := authr.AuthenticateToken(token); err == nil {
		t.Fatal("expected expired token rejection")
	}
}

func TestAuthenticateHeaderMissing(t *testing.T) {
	_, pub := generateTestKeyPair(t)
	authr, err := NewRSAAuthenticator(pub)
	if err != nil {
		t.Fatalf("NewRSAAuthenticator: %v", err)
	}
	if _, err := authr.Authenticate(http.Header{}); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
