// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Session Bearer Tokens
// =============================================================================

// ErrTokenInvalid covers every parse failure: bad signature, wrong
// algorithm, expired, malformed. Callers treat all of them as a missing
// session and fail closed.
var ErrTokenInvalid = errors.New("invalid session token")

// sessionClaims binds a signed token to one session.
type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session bearer tokens so callers can
// carry a session id across an untrusted channel. The token is a carrier
// only: session state lives in the SessionManager, and revocation there
// invalidates a token that still verifies.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer. The secret must be non-empty.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret must not be empty")
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Issue signs a token for a session. The expiry should match the session's
// maximum lifetime; idle expiry is still enforced server-side.
func (i *TokenIssuer) Issue(sessionID, userID string, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and extracts the session and user ids. Only
// HS256 is accepted; any other algorithm in the header is rejected.
func (i *TokenIssuer) Parse(tokenString string) (sessionID, userID string, err error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", "", ErrTokenInvalid
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return "", "", ErrTokenInvalid
	}
	return claims.SessionID, claims.Subject, nil
}

// DeriveUserID maps a credential identifier (e.g. a username) onto the
// stable opaque user id used everywhere downstream, so raw usernames
// never reach the session or audit layers.
func DeriveUserID(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:16]
}
