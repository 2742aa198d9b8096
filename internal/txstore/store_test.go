package txstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"staychain/internal/config"

	"github.com/rs/zerolog"
)

func sampleRecord(status string) Record {
	now := time.Now().UTC().Truncate(time.Second)
	return Record{
		Hash:       "0xABCDEF",
		Kind:       "pay_rent",
		Status:     status,
		Signer:     "0x00000000000000000000000000000000000000a1",
		PropertyID: 7,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if rec, _ := store.Get(ctx, "0xmissing"); rec != nil {
		t.Fatalf("expected nil for missing hash")
	}

	if err := store.Save(ctx, "0xABCDEF", sampleRecord("pending")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "0xabcdef")
	if got == nil || got.Status != "pending" || got.PropertyID != 7 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := sampleRecord("confirmed")
	rec.ExpiresAt = time.Now().Add(-time.Second)
	_ = store.Save(ctx, rec.Hash, rec)

	if got, _ := store.Get(ctx, rec.Hash); got != nil {
		t.Fatalf("expected expired record to be hidden, got %+v", got)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tx.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, "0xABCDEF", sampleRecord("confirmed")); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, err := reopened.Get(ctx, "0xabcdef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Status != "confirmed" {
		t.Fatalf("record not persisted: %+v", got)
	}
}

func TestOpenMemoryAndFile(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, config.StoreConfig{Driver: "memory"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	closeFn()
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}

	s, _, err = Open(ctx, config.StoreConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "tx.json")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Fatalf("expected file store, got %T", s)
	}

	if _, _, err := Open(ctx, config.StoreConfig{Driver: "etcd"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
