package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignalTokenSigner mints and verifies per-pause bearer tokens. A token is
// scoped to one (execution, signal) pair so an approval link cannot be
// replayed against another execution or reused to deliver a different signal.
type SignalTokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// SignalClaims are the verified contents of a signal token.
type SignalClaims struct {
	ExecutionID string
	Signal      string
}

type signalJWTClaims struct {
	Signal string `json:"sig"`
	jwt.RegisteredClaims
}

// NewSignalTokenSigner creates a signer. Returns an error on an empty secret.
func NewSignalTokenSigner(secret string, ttl time.Duration) (*SignalTokenSigner, error) {
	if secret == "" {
		return nil, errors.New("signal token secret is empty")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &SignalTokenSigner{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a token authorizing delivery of signal for execID. expiresAt
// caps the token lifetime at the pause deadline when earlier than the
// default TTL.
func (s *SignalTokenSigner) Mint(execID, signal string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	exp := now.Add(s.ttl)
	if !expiresAt.IsZero() && expiresAt.Before(exp) {
		exp = expiresAt
	}

	claims := signalJWTClaims{
		Signal: signal,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   execID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "docflow",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a token and returns its claims.
func (s *SignalTokenSigner) Verify(tokenStr string) (*SignalClaims, error) {
	var claims signalJWTClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &SignalClaims{
		ExecutionID: claims.Subject,
		Signal:      claims.Signal,
	}, nil
}
