package objectstore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/metrics"
)

func TestValidateKey(t *testing.T) {
	valid := []string{"cache/users.json", "cache/sessions/abc.json", "a"}
	for _, key := range valid {
		if err := validateKey(key); err != nil {
			t.Errorf("expected %q to be valid: %v", key, err)
		}
	}

	invalid := []string{"", "/abs/path", "cache/../../etc/passwd", ".."}
	for _, key := range invalid {
		if err := validateKey(key); err == nil {
			t.Errorf("expected %q to be rejected", key)
		}
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, "cache/data/a.json", []byte("payload")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, err := store.Get(ctx, "cache/data/a.json")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected payload: %q", data)
	}

	// Mutating the returned slice must not corrupt the stored copy.
	data[0] = 'X'
	again, _ := store.Get(ctx, "cache/data/a.json")
	if string(again) != "payload" {
		t.Errorf("stored copy was mutated: %q", again)
	}
}

func TestMemoryStore_ListPrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	keys := []string{"cache/sessions/a.json", "cache/sessions/b.json", "cache/users.json"}
	for _, key := range keys {
		if err := store.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %q failed: %v", key, err)
		}
	}

	listed, err := store.List(ctx, "cache/sessions/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 keys, got %v", listed)
	}
	if listed[0] != "cache/sessions/a.json" || listed[1] != "cache/sessions/b.json" {
		t.Errorf("unexpected listing order: %v", listed)
	}
}

func TestMemoryStore_DeleteIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

func TestFileSystemStore_RoundTrip(t *testing.T) {
	store, err := NewFileSystemStore(&config.FileSystemConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Get(ctx, "cache/users.json"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Put(ctx, "cache/users.json", []byte(`{"admin":{}}`)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	data, err := store.Get(ctx, "cache/users.json")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(data) != `{"admin":{}}` {
		t.Errorf("unexpected payload: %q", data)
	}

	listed, err := store.List(ctx, "cache/")
	if err != nil || len(listed) != 1 || listed[0] != "cache/users.json" {
		t.Errorf("unexpected listing: %v (%v)", listed, err)
	}

	if err := store.Delete(ctx, "cache/users.json"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "cache/users.json"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

func TestFileSystemStore_RejectsTraversal(t *testing.T) {
	store, err := NewFileSystemStore(&config.FileSystemConfig{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(context.Background(), "../outside"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if err := store.Put(context.Background(), "a/../../outside", []byte("x")); err == nil {
		t.Error("expected traversal to be rejected")
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	if _, err := New(config.StorageConfig{Provider: "memory"}); err != nil {
		t.Errorf("memory provider should need no settings: %v", err)
	}
	if _, err := New(config.StorageConfig{Provider: "filesystem"}); err == nil {
		t.Error("filesystem provider without settings should fail")
	}
	if _, err := New(config.StorageConfig{Provider: "azure"}); err == nil {
		t.Error("azure provider without settings should fail")
	}
	if _, err := New(config.StorageConfig{Provider: "gcs"}); err == nil {
		t.Error("unknown provider should fail")
	}

	// A shared-key Azure client is built locally, no network involved.
	store, err := New(config.StorageConfig{Provider: "azure", Azure: &config.AzureStorageConfig{
		AccountName: "devaccount",
		AccountKey:  "ZGV2a2V5",
		Container:   "variant",
	}})
	if err != nil {
		t.Fatalf("azure provider with credentials should construct: %v", err)
	}
	if _, ok := store.(*AzureStore); !ok {
		t.Errorf("expected *AzureStore, got %T", store)
	}
}

func TestNewAzureStore_RequiresCredentials(t *testing.T) {
	if _, err := NewAzureStore(&config.AzureStorageConfig{AccountName: "dev"}); err == nil {
		t.Error("expected missing container to be rejected")
	}
	if _, err := NewAzureStore(&config.AzureStorageConfig{Container: "variant"}); err == nil {
		t.Error("expected missing credentials to be rejected")
	}
}

func TestInstrument_CountsOperations(t *testing.T) {
	m := metrics.New("test")
	store := Instrument(NewMemoryStore(), m)
	ctx := context.Background()

	getMisses := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("get", "not_found"))
	puts := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("put", "success"))
	getHits := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("get", "success"))

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Put(ctx, "cache/users.json", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "cache/users.json"); err != nil {
		t.Fatal(err)
	}

	if d := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("get", "not_found")) - getMisses; d != 1 {
		t.Errorf("expected one not_found get, got %v", d)
	}
	if d := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("put", "success")) - puts; d != 1 {
		t.Errorf("expected one successful put, got %v", d)
	}
	if d := testutil.ToFloat64(m.StoreOpsTotal.WithLabelValues("get", "success")) - getHits; d != 1 {
		t.Errorf("expected one successful get, got %v", d)
	}
}
