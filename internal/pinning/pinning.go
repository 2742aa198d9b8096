// Package pinning stores listing images and returns content locators.
package pinning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"staychain/pkg/apperror"
)

// DefaultPrefix is prepended to a content hash to form a locator.
const DefaultPrefix = "ipfs://"

// Uploader is the binary storage collaborator: bytes in, locator out.
// Failures are StorageUnavailable.
type Uploader interface {
	Store(ctx context.Context, data []byte) (string, error)
}

// MemoryStore is content-addressed by sha256 and lives for the process.
type MemoryStore struct {
	prefix string

	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore(prefix string) *MemoryStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &MemoryStore{prefix: prefix, blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperror.ErrStorageUnavailable(err)
	}
	if len(data) == 0 {
		return "", apperror.ErrStorageUnavailable(fmt.Errorf("empty upload"))
	}
	sum := sha256.Sum256(data)
	locator := m.prefix + hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[locator] = append([]byte(nil), data...)
	return locator, nil
}

// Get returns a stored blob by locator.
func (m *MemoryStore) Get(locator string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[strings.TrimSpace(locator)]
	return b, ok
}
