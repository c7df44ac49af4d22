package email

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var ErrInvalidToken = errors.New("invalid unsubscribe token")

const unsubscribeInfo = "plaza/unsubscribe/v1"

// Signer issues and checks unsubscribe tokens. Tokens never expire; rotating
// the secret invalidates all of them.
type Signer struct {
	key []byte
}

// NewSigner derives the MAC key from secret.
func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("unsubscribe secret must be at least 16 bytes")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(unsubscribeInfo)), key); err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Token returns "<user>.<mac>" with both parts base64url encoded.
func (s *Signer) Token(userID string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(userID)) + "." + enc.EncodeToString(s.mac(userID))
}

// Verify returns the user ID a valid token was issued for.
func (s *Signer) Verify(token string) (string, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	enc := base64.RawURLEncoding
	rawUser, err := enc.DecodeString(payload)
	if err != nil || len(rawUser) == 0 {
		return "", ErrInvalidToken
	}
	rawSig, err := enc.DecodeString(sig)
	if err != nil {
		return "", ErrInvalidToken
	}
	userID := string(rawUser)
	if !hmac.Equal(rawSig, s.mac(userID)) {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (s *Signer) mac(userID string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(userID))
	return h.Sum(nil)
}
