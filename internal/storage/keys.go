package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"ripplecast/internal/models"
)

const (
	keyHashIterations = 120_000
	keyHashSaltLength = 16
	keyHashKeyLength  = 32
)

// NewIngestKey mints a key with a fresh secret and returns the bearer token
// ("<id>.<secret>") alongside it. The plaintext secret is not recoverable
// afterwards; only its derived hash is stored.
func NewIngestKey(name string, scopes []models.KeyScope) (models.IngestKey, string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return models.IngestKey{}, "", errors.New("key name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.IngestKey{}, "", err
	}
	secret, err := generateKeySecret()
	if err != nil {
		return models.IngestKey{}, "", err
	}
	hash, err := hashKeySecret(secret)
	if err != nil {
		return models.IngestKey{}, "", err
	}
	key := models.IngestKey{
		ID:         id,
		Name:       trimmed,
		Scopes:     normalizeScopes(scopes),
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	return key, id + "." + secret, nil
}

// ParseToken splits a bearer token into its key ID and secret halves.
func ParseToken(token string) (string, string, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidCredential
	}
	return parts[0], parts[1], nil
}

// AuthenticateToken resolves a bearer token against the repository, verifies
// its secret and enforces the requested scope. Key usage is stamped on
// success as a best effort.
func AuthenticateToken(ctx context.Context, repo Repository, token string, scope models.KeyScope) (models.IngestKey, error) {
	id, secret, err := ParseToken(token)
	if err != nil {
		return models.IngestKey{}, err
	}
	key, err := repo.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, ErrKeyUnknown) {
			return models.IngestKey{}, ErrInvalidCredential
		}
		return models.IngestKey{}, err
	}
	if err := verifyKeySecret(key.SecretHash, secret); err != nil {
		return models.IngestKey{}, err
	}
	if key.Disabled {
		return models.IngestKey{}, ErrKeyDisabled
	}
	if !key.HasScope(scope) {
		return models.IngestKey{}, ErrScopeMissing
	}
	_ = repo.TouchKey(ctx, key.ID, time.Now().UTC())
	return key, nil
}

func normalizeScopes(scopes []models.KeyScope) []models.KeyScope {
	if len(scopes) == 0 {
		return []models.KeyScope{models.ScopeIngest}
	}
	seen := make(map[models.KeyScope]struct{}, len(scopes))
	out := make([]models.KeyScope, 0, len(scopes))
	for _, scope := range scopes {
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	return out
}

func hashKeySecret(secret string) (string, error) {
	salt := make([]byte, keyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, keyHashIterations, keyHashKeyLength, sha256.New)
	return fmt.Sprintf(
		"pbkdf2$sha256$%d$%s$%s",
		keyHashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

func verifyKeySecret(encoded, candidate string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return ErrInvalidCredential
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return ErrInvalidCredential
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return ErrInvalidCredential
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidCredential
	}
	got := pbkdf2.Key([]byte(candidate), salt, iterations, len(want), sha256.New)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
