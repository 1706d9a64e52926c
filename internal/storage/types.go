package storage

import (
	"errors"
	"time"

	"ripplecast/internal/models"
)

var (
	// ErrSessionUnknown is returned when no record matches the session ID.
	ErrSessionUnknown = errors.New("session record not found")
	// ErrKeyUnknown is returned when no ingest key matches the ID.
	ErrKeyUnknown = errors.New("ingest key not found")
	// ErrDuplicateKey is returned when creating a key whose ID is taken.
	ErrDuplicateKey = errors.New("ingest key already exists")
	// ErrInvalidCredential covers malformed tokens, unknown key IDs and
	// secret mismatches so callers cannot distinguish them.
	ErrInvalidCredential = errors.New("invalid ingest credential")
	// ErrKeyDisabled is returned for a valid token whose key was revoked.
	ErrKeyDisabled = errors.New("ingest key disabled")
	// ErrScopeMissing is returned when a key lacks the requested scope.
	ErrScopeMissing = errors.New("ingest key lacks required scope")
)

// SessionQuery narrows ListSessions results. Zero values match everything.
type SessionQuery struct {
	// State filters on the recorded session state when non-empty.
	State models.SessionState
	// Limit caps the number of records returned when positive.
	Limit int
}

// ObjectStorageConfig describes the S3-compatible bucket that receives
// session recordings. Leaving Endpoint or Bucket empty disables offload.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

const defaultObjectStorageRequestTimeout = 30 * time.Second
