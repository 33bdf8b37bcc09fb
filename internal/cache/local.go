// internal/cache/local.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chris-regnier/warden/internal/verdict"
)

var cacheTracer = otel.Tracer("github.com/chris-regnier/warden/internal/cache")

// Ensure DiskCache implements Store interface
var _ Store = (*DiskCache)(nil)

// DiskCache keeps one JSON file per candidate so verdicts survive between
// CLI invocations.
type DiskCache struct {
	dir string
	now func() time.Time

	// per-key write serialization; readers go straight to the file
	locks sync.Map
}

func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{dir: dir, now: time.Now}
}

func (c *DiskCache) entryPath(id string) string {
	return filepath.Join(c.dir, GenerateKey(id)+".json")
}

func (c *DiskCache) lockFor(id string) *sync.Mutex {
	m, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (c *DiskCache) Get(ctx context.Context, id, fingerprint string) (verdict.Verdict, bool, error) {
	e, ok, err := c.lookupEntry(ctx, id, fingerprint)
	return e.Verdict, ok, err
}

func (c *DiskCache) lookupEntry(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	ctx, span := cacheTracer.Start(ctx, "cache lookup")
	defer span.End()

	span.SetAttributes(
		attribute.String("warden.candidate.id", id),
		attribute.String("warden.cache.tier", "disk"),
	)

	// Check context cancellation before I/O
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, false, err
	}

	data, err := os.ReadFile(c.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			span.SetAttributes(attribute.Bool("warden.cache.hit", false))
			return Entry{}, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Entry{}, false, fmt.Errorf("%w: corrupt entry: %v", ErrCacheUnavailable, err)
	}

	hit := entry.CandidateID == id && entry.Matches(fingerprint, c.now())
	span.SetAttributes(attribute.Bool("warden.cache.hit", hit))
	if !hit {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *DiskCache) Put(ctx context.Context, id, fingerprint string, v verdict.Verdict, lifetime time.Duration) error {
	_, span := cacheTracer.Start(ctx, "cache store")
	defer span.End()

	span.SetAttributes(
		attribute.String("warden.candidate.id", id),
		attribute.String("warden.cache.tier", "disk"),
	)

	// Check context cancellation before I/O
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	entry := Entry{
		CandidateID: id,
		Fingerprint: fingerprint,
		Verdict:     v,
		CreatedAt:   c.now(),
		Lifetime:    lifetime,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	mu := c.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	// Write to a temp file first so readers never see a partial entry.
	path := c.entryPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

func (c *DiskCache) Delete(ctx context.Context, id string) error {
	// Check context cancellation before I/O
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(c.entryPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
