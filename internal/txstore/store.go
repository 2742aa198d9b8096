// Package txstore keeps the last known outcome of every submitted
// transaction so a timed-out or detached request can be checked later.
package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is the last known state of one transaction.
type Record struct {
	Hash        string    `json:"hash"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Signer      string    `json:"signer"`
	PropertyID  uint64    `json:"propertyId,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts outcome persistence. Get returns nil, nil for unknown or
// expired hashes.
type Store interface {
	Get(ctx context.Context, hash string) (*Record, error)
	Save(ctx context.Context, hash string, record Record) error
}

// Key normalizes a transaction hash for use as a store key.
func Key(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// MemoryStore lives for the process only.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, hash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[Key(hash)]
	if !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, hash string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[Key(hash)] = record
	return nil
}

// FileStore persists records as one JSON document. Suitable for a single
// local process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, hash string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Key(hash)
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, hash string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[Key(hash)] = record
	return f.persist()
}
