// internal/cache/remote.go
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chris-regnier/warden/internal/verdict"
)

var (
	_ Store   = (*RemoteCache)(nil)
	_ Deleter = (*RemoteCache)(nil)
)

// RemoteCache shares verdicts through an HTTP cache server, so several hosts
// scanning the same inventory reuse each other's work. Entries live at
// {base}/api/cache/{key}; the server stores the JSON body it is given.
type RemoteCache struct {
	baseURL    string
	httpClient *http.Client
	token      string
	now        func() time.Time
}

// RemoteCacheOption configures a RemoteCache
type RemoteCacheOption func(*RemoteCache)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) RemoteCacheOption {
	return func(c *RemoteCache) {
		c.httpClient = client
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) RemoteCacheOption {
	return func(c *RemoteCache) {
		c.token = token
	}
}

// WithTimeout bounds every request. Non-positive values keep the default.
func WithTimeout(timeout time.Duration) RemoteCacheOption {
	return func(c *RemoteCache) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewRemoteCache creates a client for the cache server at baseURL.
func NewRemoteCache(baseURL string, opts ...RemoteCacheOption) *RemoteCache {
	c := &RemoteCache{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RemoteCache) entryURL(id string) string {
	return fmt.Sprintf("%s/api/cache/%s", c.baseURL, url.PathEscape(GenerateKey(id)))
}

// do sends one request and returns the response when its status is in ok.
// Transport errors and any other status come back as ErrCacheUnavailable.
func (c *RemoteCache) do(ctx context.Context, method, target string, body []byte, ok ...int) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrCacheUnavailable, method, target, err)
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrCacheUnavailable, method, target, resp.StatusCode, bytes.TrimSpace(msg))
}

// Get fetches the verdict for id. A 404, a different fingerprint or an
// expired entry are all misses.
func (c *RemoteCache) Get(ctx context.Context, id, fingerprint string) (verdict.Verdict, bool, error) {
	e, ok, err := c.lookupEntry(ctx, id, fingerprint)
	return e.Verdict, ok, err
}

func (c *RemoteCache) lookupEntry(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.entryURL(id), nil, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return Entry{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Entry{}, false, nil
	}

	var entry Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return Entry{}, false, fmt.Errorf("%w: decoding entry: %v", ErrCacheUnavailable, err)
	}
	if entry.CandidateID != id || !entry.Matches(fingerprint, c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Put uploads the verdict for (id, fingerprint).
func (c *RemoteCache) Put(ctx context.Context, id, fingerprint string, v verdict.Verdict, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	data, err := json.Marshal(Entry{
		CandidateID: id,
		Fingerprint: fingerprint,
		Verdict:     v,
		CreatedAt:   c.now(),
		Lifetime:    lifetime,
	})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, c.entryURL(id), data, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Delete removes the entry for id. Deleting an absent entry succeeds.
func (c *RemoteCache) Delete(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.entryURL(id), nil, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Ping checks that the cache server answers its health endpoint.
func (c *RemoteCache) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/health", nil, http.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
