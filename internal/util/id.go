package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewToken returns 32 lowercase hex characters read from crypto/rand.
func NewToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func NewID(prefix string) string {
	token, _ := NewToken()
	if prefix == "" {
		return token
	}
	return prefix + "_" + token
}
