// internal/cache/local_test.go
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiskCacheGetMiss(t *testing.T) {
	cache := NewDiskCache(t.TempDir())

	_, ok, err := cache.Get(context.Background(), "com.example.app", "fp")
	if err != nil {
		t.Fatalf("expected clean miss, got %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestDiskCachePutGet(t *testing.T) {
	dir := t.TempDir()
	cache := NewDiskCache(dir)
	ctx := context.Background()

	if err := cache.Put(ctx, "com.example.app", "fp1", sampleVerdict("com.example.app", "fp1"), time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := cache.Get(ctx, "com.example.app", "fp1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Score != 72.5 {
		t.Errorf("expected score 72.5, got %v", got.Score)
	}
	if len(got.Signals) != 1 || got.Signals[0].Evidence.Patterns[0] != "sms-exfiltration" {
		t.Errorf("signals not preserved: %+v", got.Signals)
	}

	// a fresh instance over the same directory sees the entry
	if _, ok, _ := NewDiskCache(dir).Get(ctx, "com.example.app", "fp1"); !ok {
		t.Error("expected entry to persist on disk")
	}
}

func TestDiskCacheFingerprintAndExpiry(t *testing.T) {
	clock := newFakeClock()
	cache := NewDiskCache(t.TempDir())
	cache.now = clock.Now
	ctx := context.Background()

	cache.Put(ctx, "app", "fp1", sampleVerdict("app", "fp1"), time.Minute)

	if _, ok, _ := cache.Get(ctx, "app", "fp2"); ok {
		t.Error("expected miss on fingerprint change")
	}

	clock.Advance(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "app", "fp1"); ok {
		t.Error("expected miss after lifetime")
	}
}

func TestDiskCacheCorruptEntryIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	cache := NewDiskCache(dir)

	if err := os.WriteFile(filepath.Join(dir, GenerateKey("app")+".json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := cache.Get(context.Background(), "app", "fp")
	if ok {
		t.Error("corrupt entry must not hit")
	}
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Errorf("expected ErrCacheUnavailable, got %v", err)
	}
}

func TestDiskCacheDelete(t *testing.T) {
	cache := NewDiskCache(t.TempDir())
	ctx := context.Background()

	cache.Put(ctx, "app", "fp", sampleVerdict("app", "fp"), time.Hour)
	if err := cache.Delete(ctx, "app"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "app", "fp"); ok {
		t.Error("expected miss after delete")
	}
	if err := cache.Delete(ctx, "app"); err != nil {
		t.Errorf("deleting a missing entry should succeed, got %v", err)
	}
}
