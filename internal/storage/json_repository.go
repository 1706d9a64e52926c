package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ripplecast/internal/models"
)

// dataset is the on-disk shape of the JSON repository.
type dataset struct {
	Sessions map[string]models.SessionRecord `json:"sessions"`
	Keys     map[string]models.IngestKey     `json:"keys"`
}

func newDataset() dataset {
	return dataset{
		Sessions: make(map[string]models.SessionRecord),
		Keys:     make(map[string]models.IngestKey),
	}
}

// JSONRepository keeps the dataset in memory and rewrites a single JSON file
// on every mutation. Writes go through a temp file and an atomic rename so a
// crash mid-persist never corrupts the store.
type JSONRepository struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	// persistOverride lets tests inject persistence failures.
	persistOverride func(dataset) error
}

var _ Repository = (*JSONRepository)(nil)

// NewJSONRepository loads the dataset at path, creating an empty store when
// the file does not exist yet.
func NewJSONRepository(path string, opts ...Option) (*JSONRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("data file path is required")
	}
	repo := &JSONRepository{filePath: path, data: newDataset()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(repo)
		}
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	file, err := os.Open(r.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode data file %s: %w", r.filePath, err)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.SessionRecord)
	}
	if data.Keys == nil {
		data.Keys = make(map[string]models.IngestKey)
	}
	r.data = data
	return nil
}

func (r *JSONRepository) persistDataset(data dataset) error {
	if r.persistOverride != nil {
		return r.persistOverride(data)
	}
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "ripplecast-*.json")
	if err != nil {
		return fmt.Errorf("create temp data file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("flush dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp data file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.filePath); err != nil {
		return fmt.Errorf("replace data file: %w", err)
	}
	success = true
	return nil
}

// cloneDataset deep-copies the current dataset so mutations can be persisted
// before they become visible to readers.
func (r *JSONRepository) cloneDataset() dataset {
	clone := newDataset()
	for id, record := range r.data.Sessions {
		clone.Sessions[id] = cloneSessionRecord(record)
	}
	for id, key := range r.data.Keys {
		clone.Keys[id] = cloneIngestKey(key)
	}
	return clone
}

func cloneSessionRecord(record models.SessionRecord) models.SessionRecord {
	out := record
	if record.Legs != nil {
		out.Legs = append([]models.LegKind(nil), record.Legs...)
	}
	if record.BytesForwarded != nil {
		out.BytesForwarded = make(map[models.LegKind]uint64, len(record.BytesForwarded))
		for kind, bytes := range record.BytesForwarded {
			out.BytesForwarded[kind] = bytes
		}
	}
	if record.EndedAt != nil {
		ended := *record.EndedAt
		out.EndedAt = &ended
	}
	return out
}

func cloneIngestKey(key models.IngestKey) models.IngestKey {
	out := key
	if key.Scopes != nil {
		out.Scopes = append([]models.KeyScope(nil), key.Scopes...)
	}
	if key.LastUsedAt != nil {
		used := *key.LastUsedAt
		out.LastUsedAt = &used
	}
	return out
}

// Ping reports the store as healthy; the dataset lives in memory.
func (r *JSONRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *JSONRepository) SaveSession(ctx context.Context, record models.SessionRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.cloneDataset()
	data.Sessions[record.ID] = cloneSessionRecord(record)
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) GetSession(ctx context.Context, id string) (models.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.data.Sessions[id]
	if !ok {
		return models.SessionRecord{}, ErrSessionUnknown
	}
	return cloneSessionRecord(record), nil
}

func (r *JSONRepository) ListSessions(ctx context.Context, query SessionQuery) ([]models.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]models.SessionRecord, 0, len(r.data.Sessions))
	for _, record := range r.data.Sessions {
		if query.State != "" && record.State != query.State {
			continue
		}
		records = append(records, cloneSessionRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if query.Limit > 0 && len(records) > query.Limit {
		records = records[:query.Limit]
	}
	return records, nil
}

func (r *JSONRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.Sessions[id]; !ok {
		return ErrSessionUnknown
	}
	data := r.cloneDataset()
	delete(data.Sessions, id)
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) PruneSessions(ctx context.Context, endedBefore time.Time) ([]models.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := r.cloneDataset()
	var pruned []models.SessionRecord
	for id, record := range data.Sessions {
		if record.EndedAt == nil || !record.EndedAt.Before(endedBefore) {
			continue
		}
		pruned = append(pruned, cloneSessionRecord(record))
		delete(data.Sessions, id)
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	if err := r.persistDataset(data); err != nil {
		return nil, err
	}
	r.data = data
	sort.Slice(pruned, func(i, j int) bool { return pruned[i].ID < pruned[j].ID })
	return pruned, nil
}

func (r *JSONRepository) SetArtifactURL(ctx context.Context, id, artifactURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.data.Sessions[id]
	if !ok {
		return ErrSessionUnknown
	}
	data := r.cloneDataset()
	updated := cloneSessionRecord(record)
	updated.ArtifactURL = artifactURL
	data.Sessions[id] = updated
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) CreateKey(ctx context.Context, key models.IngestKey) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("key id is required")
	}
	if strings.TrimSpace(key.SecretHash) == "" {
		return errors.New("key secret hash is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data.Keys[key.ID]; exists {
		return ErrDuplicateKey
	}
	data := r.cloneDataset()
	data.Keys[key.ID] = cloneIngestKey(key)
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) GetKey(ctx context.Context, id string) (models.IngestKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.data.Keys[id]
	if !ok {
		return models.IngestKey{}, ErrKeyUnknown
	}
	return cloneIngestKey(key), nil
}

func (r *JSONRepository) ListKeys(ctx context.Context) ([]models.IngestKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]models.IngestKey, 0, len(r.data.Keys))
	for _, key := range r.data.Keys {
		keys = append(keys, cloneIngestKey(key))
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

func (r *JSONRepository) SetKeyDisabled(ctx context.Context, id string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.data.Keys[id]
	if !ok {
		return ErrKeyUnknown
	}
	data := r.cloneDataset()
	updated := cloneIngestKey(key)
	updated.Disabled = disabled
	data.Keys[id] = updated
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) DeleteKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data.Keys[id]; !ok {
		return ErrKeyUnknown
	}
	data := r.cloneDataset()
	delete(data.Keys, id)
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

func (r *JSONRepository) TouchKey(ctx context.Context, id string, when time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.data.Keys[id]
	if !ok {
		return ErrKeyUnknown
	}
	data := r.cloneDataset()
	updated := cloneIngestKey(key)
	stamp := when.UTC()
	updated.LastUsedAt = &stamp
	data.Keys[id] = updated
	if err := r.persistDataset(data); err != nil {
		return err
	}
	r.data = data
	return nil
}

// Close is a no-op; the file is rewritten on every mutation.
func (r *JSONRepository) Close(ctx context.Context) error {
	return nil
}
