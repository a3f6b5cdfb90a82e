// Package auth signs and verifies actor tokens. A token is the base64url
// JSON payload and its HMAC-SHA256, joined by a dot.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type claims struct {
	Actor    string `json:"act"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth secret must be at least 16 bytes")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Issue returns a token naming actor that expires after ttl.
func (s *Signer) Issue(actor string, ttl time.Duration) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", fmt.Errorf("actor is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	now := s.now()
	payload, err := json.Marshal(claims{Actor: actor, IssuedAt: now.Unix(), Expires: now.Add(ttl).Unix()})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Verify returns the actor named by token.
func (s *Signer) Verify(token string) (string, error) {
	encoded, signature, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || signature == "" {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(encoded))) {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil || c.Actor == "" || c.Expires == 0 {
		return "", ErrInvalidToken
	}
	if s.now().Unix() >= c.Expires {
		return "", ErrExpiredToken
	}
	return c.Actor, nil
}

func (s *Signer) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
