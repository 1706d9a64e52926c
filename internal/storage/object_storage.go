package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// ArtifactLocation identifies an offloaded recording.
type ArtifactLocation struct {
	Key string
	URL string
}

// ArtifactStore uploads session recordings to an S3-compatible bucket using
// SigV4 request signing. A store built from an empty config is disabled and
// performs no network calls.
type ArtifactStore struct {
	cfg      ObjectStorageConfig
	endpoint *url.URL
	client   *http.Client
	enabled  bool
}

// NewArtifactStore validates cfg and builds the store. Offload is considered
// disabled when the endpoint or bucket is left empty.
func NewArtifactStore(cfg ObjectStorageConfig) (*ArtifactStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return &ArtifactStore{}, nil
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("object storage requires access and secret keys")
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse object storage endpoint: %w", err)
		}
		endpoint = parsed.Host
	}
	if endpoint == "" {
		return nil, errors.New("object storage endpoint has no host")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultObjectStorageRequestTimeout
	}
	cfg.Bucket = bucket
	return &ArtifactStore{
		cfg:      cfg,
		endpoint: &url.URL{Scheme: scheme, Host: endpoint},
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		enabled:  true,
	}, nil
}

// Enabled reports whether uploads will actually go anywhere.
func (s *ArtifactStore) Enabled() bool {
	return s != nil && s.enabled
}

// UploadFile streams the recording at filePath into the bucket under key and
// returns its location. The request is signed with UNSIGNED-PAYLOAD so the
// file never has to be buffered for hashing.
func (s *ArtifactStore) UploadFile(ctx context.Context, key, contentType, filePath string) (ArtifactLocation, error) {
	if !s.Enabled() {
		return ArtifactLocation{}, errors.New("object storage is disabled")
	}
	file, err := os.Open(filePath)
	if err != nil {
		return ArtifactLocation{}, fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return ArtifactLocation{}, fmt.Errorf("stat artifact: %w", err)
	}

	finalKey := s.applyPrefix(key)
	target := s.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), file)
	if err != nil {
		return ArtifactLocation{}, fmt.Errorf("create upload request: %w", err)
	}
	request.ContentLength = info.Size()
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	s.signRequest(request, unsignedPayloadHash)

	response, err := s.client.Do(request)
	if err != nil {
		return ArtifactLocation{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return ArtifactLocation{}, fmt.Errorf("upload object %s: unexpected status %d: %s",
			finalKey, response.StatusCode, strings.TrimSpace(string(payload)))
	}
	return ArtifactLocation{Key: finalKey, URL: s.publicURL(finalKey)}, nil
}

// Delete removes an offloaded recording. Missing objects are not an error so
// retention can retry safely.
func (s *ArtifactStore) Delete(ctx context.Context, key string) error {
	if !s.Enabled() {
		return nil
	}
	finalKey := s.applyPrefix(key)
	target := s.objectURL(finalKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	s.signRequest(request, emptyPayloadHash)

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if (response.StatusCode >= 200 && response.StatusCode < 300) || response.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete object %s: unexpected status %d", finalKey, response.StatusCode)
}

func (s *ArtifactStore) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (s *ArtifactStore) objectURL(finalKey string) *url.URL {
	path := "/" + strings.TrimLeft(s.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		path += "/" + trimmedKey
	}
	u := *s.endpoint
	u.Path = path
	return &u
}

func (s *ArtifactStore) publicURL(key string) string {
	base := strings.TrimSpace(s.cfg.PublicEndpoint)
	if base == "" {
		return s.objectURL(key).String()
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

const unsignedPayloadHash = "UNSIGNED-PAYLOAD"

var emptyPayloadHash = hashSHA256Hex(nil)

func (s *ArtifactStore) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)

	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, s.cfg.Region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(s.cfg.SecretKey, dateStamp, s.cfg.Region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.cfg.AccessKey, scope, signedHeaders, signature,
	))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
