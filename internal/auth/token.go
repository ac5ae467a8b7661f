// Package auth issues and verifies opaque session tokens. A token is a random
// id plus an HMAC over it, so forged tokens are rejected before any store
// lookup. Only HashToken(token) is ever persisted.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

const tokenIDBytes = 24

func IssueSessionToken(secret []byte) (string, error) {
	raw := make([]byte, tokenIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(raw)
	return id + "." + sign(secret, id), nil
}

func VerifySessionToken(secret []byte, token string) error {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 || parts[0] == "" {
		return ErrInvalidToken
	}
	expected := sign(secret, parts[0])
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return ErrInvalidToken
	}
	return nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
