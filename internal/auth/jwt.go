// Package auth implements the bearer-token authenticator that guards WebSocket Hub admission.
package auth

import (
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity describes the authenticated principal behind a connection.
type Identity struct {
	AccountID string
	DeviceID  string
	SessionID string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claims is the JWT claim set this authenticator expects.
type Claims struct {
	DeviceID  string   `json:"device_id"`
	SessionID string   `json:"session_id"`
	Scope     []string `json:"scope"`
	jwt.RegisteredClaims
}

var (
	// ErrMissingToken indicates no bearer credential was presented.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrReplayedToken indicates a JWT ID has already been consumed within its TTL window.
	ErrReplayedToken = errors.New("auth: token replayed")
	// ErrInvalidToken wraps any signature/claim validation failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Authenticator verifies bearer tokens and produces an Identity, per C8.
type Authenticator struct {
	keyFunc      jwt.Keyfunc
	issuer       string
	audience     string
	clockSkew    time.Duration
	algorithms   []string
	jtiTTL       time.Duration
	now          func() time.Time
	mu           sync.Mutex
	seenJTI      map[string]time.Time
}

// Option configures an Authenticator at construction time.
type Option func(*Authenticator)

// WithIssuer restricts accepted tokens to the given iss claim.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) { a.issuer = issuer }
}

// WithAudience restricts accepted tokens to the given aud claim.
func WithAudience(audience string) Option {
	return func(a *Authenticator) { a.audience = audience }
}

// WithClockSkew tolerates drift when validating exp/nbf.
func WithClockSkew(skew time.Duration) Option {
	return func(a *Authenticator) {
		if skew >= 0 {
			a.clockSkew = skew
		}
	}
}

// WithAlgorithms restricts accepted tokens to the given signing algorithm names (e.g. "RS256"),
// per §6.5's auth.jwtAlgorithms. A nil/empty list leaves the parser's method check on the
// keyFunc unchanged.
func WithAlgorithms(algorithms []string) Option {
	return func(a *Authenticator) { a.algorithms = algorithms }
}

// WithJTITTL bounds how long a seen JWT ID is remembered for replay protection.
func WithJTITTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.jtiTTL = ttl
		}
	}
}

// WithTimeSource overrides the clock, primarily for tests.
func WithTimeSource(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewRSAAuthenticator builds an Authenticator that verifies RS256-family tokens against a PEM
// encoded public key.
func NewRSAAuthenticator(publicKeyPEM string, opts ...Option) (*Authenticator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("auth: invalid PEM public key")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}
	return newAuthenticator(keyFunc, opts...), nil
}

// NewJWKSAuthenticator builds an Authenticator that resolves signing keys through a caller-supplied
// JWKS lookup function, keyed by the token's kid header.
func NewJWKSAuthenticator(lookup func(kid string) (*rsa.PublicKey, error), opts ...Option) *Authenticator {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		return lookup(kid)
	}
	return newAuthenticator(keyFunc, opts...)
}

func newAuthenticator(keyFunc jwt.Keyfunc, opts ...Option) *Authenticator {
	a := &Authenticator{
		keyFunc:   keyFunc,
		clockSkew: 30 * time.Second,
		jtiTTL:    5 * time.Minute,
		now:       time.Now,
		seenJTI:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate resolves the bearer token carried by the given headers and returns the
// authenticated Identity, per C8.
func (a *Authenticator) Authenticate(headers http.Header) (Identity, error) {
	token, err := extractBearer(headers)
	if err != nil {
		return Identity{}, err
	}
	return a.AuthenticateToken(token)
}

// AuthenticateToken verifies a raw bearer token string.
func (a *Authenticator) AuthenticateToken(token string) (Identity, error) {
	if a == nil {
		return Identity{}, errors.New("auth: authenticator not configured")
	}
	claims := &Claims{}
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(a.clockSkew)}
	if len(a.algorithms) > 0 {
		parserOpts = append(parserOpts, jwt.WithValidMethods(a.algorithms))
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyFunc, parserOpts...)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return Identity{}, fmt.Errorf("%w: missing jti claim", ErrInvalidToken)
	}
	if err := a.checkReplay(claims.ID); err != nil {
		return Identity{}, err
	}
	identity := Identity{
		AccountID: claims.Subject,
		DeviceID:  claims.DeviceID,
		SessionID: claims.SessionID,
		Scope:     claims.Scope,
	}
	if claims.IssuedAt != nil {
		identity.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

func (a *Authenticator) checkReplay(jti string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for key, seenAt := range a.seenJTI {
		if now.Sub(seenAt) > a.jtiTTL {
			delete(a.seenJTI, key)
		}
	}
	if _, ok := a.seenJTI[jti]; ok {
		return ErrReplayedToken
	}
	a.seenJTI[jti] = now
	return nil
}

func extractBearer(headers http.Header) (string, error) {
	if headers == nil {
		return "", ErrMissingToken
	}
	raw := strings.TrimSpace(headers.Get("Authorization"))
	if raw == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
