package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func NewOpaqueToken(byteLen int) (string, error) {
	if byteLen <= 0 {
		return "", fmt.Errorf("invalid token size")
	}

	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// NewExchangeToken mints the opaque, unguessable credential bound to a
// match or a pending share link.
func NewExchangeToken() (string, error) {
	return NewOpaqueToken(32)
}
