package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBadSignature = errors.New("invalid token signature")
	ErrTokenExpired = errors.New("token expired")
)

// AuthToken lets a client resume a session without re-entering credentials.
// There is no server-side token table: the signature is recomputed from the
// other fields on every verification.
type AuthToken struct {
	UserID    int64  `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// TokenIssuer signs and verifies auth tokens with an HMAC-SHA256 secret.
type TokenIssuer struct {
	secret []byte
	maxAge time.Duration
}

// NewTokenIssuer creates an issuer. maxAge bounds how old a token may be;
// zero means 30 days.
func NewTokenIssuer(secret string, maxAge time.Duration) *TokenIssuer {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), maxAge: maxAge}
}

// Issue signs a fresh token for a user id.
func (t *TokenIssuer) Issue(userID int64) AuthToken {
	ts := time.Now().UnixMilli()
	return AuthToken{
		UserID:    userID,
		Timestamp: ts,
		Signature: t.sign(userID, ts),
	}
}

// Verify checks a token's signature and age and returns the user id it was
// issued for.
func (t *TokenIssuer) Verify(token AuthToken) (int64, error) {
	want := t.sign(token.UserID, token.Timestamp)
	if !hmac.Equal([]byte(token.Signature), []byte(want)) {
		return 0, ErrBadSignature
	}
	issued := time.UnixMilli(token.Timestamp)
	if time.Since(issued) > t.maxAge || time.Until(issued) > time.Minute {
		return 0, ErrTokenExpired
	}
	return token.UserID, nil
}

func (t *TokenIssuer) sign(userID, timestamp int64) string {
	mac := hmac.New(sha256.New, t.secret)
	fmt.Fprintf(mac, "%d|%d", userID, timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}
