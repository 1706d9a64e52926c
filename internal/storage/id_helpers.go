package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func generateKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
