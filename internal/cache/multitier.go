// internal/cache/multitier.go
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chris-regnier/warden/internal/verdict"
)

// MultiTierConfig configures the multi-tier cache behavior
type MultiTierConfig struct {
	// WriteToRemote controls whether to write verdicts to the remote tier
	WriteToRemote bool

	// ReadFromRemote controls whether to read from the remote tier on local miss
	ReadFromRemote bool

	// PreferLocal controls whether to check the local tier first (true) or remote first (false)
	PreferLocal bool

	// WarmLocalOnRemoteHit controls whether to populate the local tier on remote hit
	WarmLocalOnRemoteHit bool

	// WarmLifetime caps the lifetime of verdicts copied into the local tier;
	// a copy never outlives the entry it came from
	WarmLifetime time.Duration
}

// DefaultMultiTierConfig returns the default multi-tier cache configuration
func DefaultMultiTierConfig() MultiTierConfig {
	return MultiTierConfig{
		WriteToRemote:        true,
		ReadFromRemote:       true,
		PreferLocal:          true,
		WarmLocalOnRemoteHit: true,
		WarmLifetime:         DefaultLifetime,
	}
}

// Ensure MultiTierCache implements Store interface
var _ Store = (*MultiTierCache)(nil)

// MultiTierCache layers a fast local tier over an optional slower one.
// Tiers nest, so memory over disk over remote is
// NewMultiTierCache(NewMultiTierCache(mem, disk, cfg), remote, cfg).
// Errors from either tier degrade to a miss.
type MultiTierCache struct {
	local  Store
	remote Store // may be nil
	config MultiTierConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMultiTierCache creates a new multi-tier cache
// If remote is nil, the cache operates in local-only mode
func NewMultiTierCache(local Store, remote Store, config MultiTierConfig) *MultiTierCache {
	return &MultiTierCache{
		local:  local,
		remote: remote,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger used for degraded tier warnings.
func (c *MultiTierCache) WithLogger(l *slog.Logger) *MultiTierCache {
	c.logger = l
	return c
}

// Get retrieves a verdict, checking local and remote tiers based on config
func (c *MultiTierCache) Get(ctx context.Context, id, fingerprint string) (verdict.Verdict, bool, error) {
	e, ok, err := c.lookupEntry(ctx, id, fingerprint)
	return e.Verdict, ok, err
}

func (c *MultiTierCache) lookupEntry(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	if c.config.PreferLocal {
		return c.getLocalFirst(ctx, id, fingerprint)
	}
	return c.getRemoteFirst(ctx, id, fingerprint)
}

// lookup consults one tier. Tiers that cannot report their entry's age
// come back with a zero CreatedAt and Lifetime.
func (c *MultiTierCache) lookup(ctx context.Context, tier Store, name, id, fingerprint string) (Entry, bool) {
	var (
		e   Entry
		ok  bool
		err error
	)
	if es, isEntryStore := tier.(entryStore); isEntryStore {
		e, ok, err = es.lookupEntry(ctx, id, fingerprint)
	} else {
		e.Verdict, ok, err = tier.Get(ctx, id, fingerprint)
		e.CandidateID, e.Fingerprint = id, fingerprint
	}
	if err != nil {
		c.logger.Warn("cache tier unavailable", "tier", name, "candidate", id, "err", err)
		return Entry{}, false
	}
	return e, ok
}

// warm copies a lower-tier hit into the local tier. The copy expires when the
// original does, never later.
func (c *MultiTierCache) warm(ctx context.Context, e Entry) {
	if !c.config.WarmLocalOnRemoteHit {
		return
	}
	lifetime := c.config.WarmLifetime
	if remaining, bounded := e.Remaining(c.now()); bounded {
		if remaining <= 0 {
			return
		}
		if lifetime <= 0 || remaining < lifetime {
			lifetime = remaining
		}
	}
	if err := c.local.Put(ctx, e.CandidateID, e.Fingerprint, e.Verdict, lifetime); err != nil {
		c.logger.Warn("failed to warm local cache", "candidate", e.CandidateID, "err", err)
	}
}

// getLocalFirst checks the local tier first, then falls back to remote
func (c *MultiTierCache) getLocalFirst(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	if e, ok := c.lookup(ctx, c.local, "local", id, fingerprint); ok {
		return e, true, nil
	}

	if !c.config.ReadFromRemote || c.remote == nil {
		return Entry{}, false, nil
	}

	e, ok := c.lookup(ctx, c.remote, "remote", id, fingerprint)
	if !ok {
		return Entry{}, false, nil
	}
	c.warm(ctx, e)
	return e, true, nil
}

// getRemoteFirst checks the remote tier first, then falls back to local
func (c *MultiTierCache) getRemoteFirst(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	if c.config.ReadFromRemote && c.remote != nil {
		if e, ok := c.lookup(ctx, c.remote, "remote", id, fingerprint); ok {
			c.warm(ctx, e)
			return e, true, nil
		}
	}

	e, ok := c.lookup(ctx, c.local, "local", id, fingerprint)
	return e, ok, nil
}

// Put stores a verdict in the local tier and optionally the remote tier
func (c *MultiTierCache) Put(ctx context.Context, id, fingerprint string, v verdict.Verdict, lifetime time.Duration) error {
	// Always write to local
	if err := c.local.Put(ctx, id, fingerprint, v, lifetime); err != nil {
		return err
	}

	if c.config.WriteToRemote && c.remote != nil {
		if err := c.remote.Put(ctx, id, fingerprint, v, lifetime); err != nil {
			// local write succeeded
			c.logger.Warn("failed to write to remote cache", "candidate", id, "err", err)
		}
	}

	return nil
}

// Delete drops id from every tier that supports deletion. Both tiers are
// attempted even when the first fails.
func (c *MultiTierCache) Delete(ctx context.Context, id string) error {
	localErr := Forget(ctx, c.local, id)
	var remoteErr error
	if c.remote != nil {
		remoteErr = Forget(ctx, c.remote, id)
	}
	return errors.Join(localErr, remoteErr)
}

// HasRemote returns true if a remote tier is configured
func (c *MultiTierCache) HasRemote() bool {
	return c.remote != nil
}

// Local returns the local tier
func (c *MultiTierCache) Local() Store {
	return c.local
}

// Remote returns the remote tier (may be nil)
func (c *MultiTierCache) Remote() Store {
	return c.remote
}

// Config returns the current configuration
func (c *MultiTierCache) Config() MultiTierConfig {
	return c.config
}
