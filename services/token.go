package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"challenge-engine/models"
)

const nonceBytes = 32

// CheckInToken is the decoded form of a scanned check-in code.
type CheckInToken struct {
	ChallengeID string
	Nonce       string
	IssuedAt    int64 // unix seconds
	Signature   string
}

// IssuedTime returns IssuedAt as a time.
func (t *CheckInToken) IssuedTime() time.Time {
	return time.Unix(t.IssuedAt, 0).UTC()
}

// Encode serializes the token as base64url of challenge:nonce:ts:signature.
func (t *CheckInToken) Encode() string {
	raw := fmt.Sprintf("%s:%s:%d:%s", t.ChallengeID, t.Nonce, t.IssuedAt, t.Signature)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseToken decodes a presented token without checking its signature.
func ParseToken(encoded string) (*CheckInToken, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, models.ErrTokenMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, models.ErrTokenMalformed
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return nil, models.ErrTokenMalformed
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, models.ErrTokenMalformed
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return nil, models.ErrTokenMalformed
	}
	return &CheckInToken{
		ChallengeID: parts[0],
		Nonce:       parts[1],
		IssuedAt:    ts,
		Signature:   parts[3],
	}, nil
}

// TokenSigner signs check-in tokens with HMAC-SHA256 under a server secret.
type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: append([]byte(nil), secret...)}
}

// Mint creates a signed token for challengeID with a fresh random nonce.
func (s *TokenSigner) Mint(challengeID string, now time.Time) (*CheckInToken, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	t := &CheckInToken{
		ChallengeID: challengeID,
		Nonce:       hex.EncodeToString(buf),
		IssuedAt:    now.Unix(),
	}
	t.Signature = s.Sign(t.ChallengeID, t.Nonce, t.IssuedAt)
	return t, nil
}

// Sign returns the hex HMAC of (challengeID, nonce, issuedAt).
func (s *TokenSigner) Sign(challengeID, nonce string, issuedAt int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", challengeID, nonce, issuedAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (s *TokenSigner) Verify(t *CheckInToken) bool {
	expected := s.Sign(t.ChallengeID, t.Nonce, t.IssuedAt)
	return hmac.Equal([]byte(expected), []byte(t.Signature))
}
