package collector

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// KnownBadSet maps content fingerprints to malware family names.
type KnownBadSet struct {
	mu          sync.RWMutex
	entries     map[string]string
	lastUpdated time.Time
}

// NewKnownBadSet creates a set seeded with entries (fingerprint -> family).
func NewKnownBadSet(entries map[string]string) *KnownBadSet {
	s := &KnownBadSet{entries: make(map[string]string, len(entries))}
	s.Merge(entries)
	return s
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// Lookup returns the family for fingerprint.
func (s *KnownBadSet) Lookup(fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	family, ok := s.entries[normalizeHash(fingerprint)]
	return family, ok
}

// Add inserts one fingerprint.
func (s *KnownBadSet) Add(fingerprint, family string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[normalizeHash(fingerprint)] = family
	s.lastUpdated = time.Now()
}

// Merge adds many fingerprints at once.
func (s *KnownBadSet) Merge(entries map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, family := range entries {
		if h = normalizeHash(h); h != "" {
			s.entries[h] = family
		}
	}
	s.lastUpdated = time.Now()
}

// Len returns the number of fingerprints.
func (s *KnownBadSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a copy of the fingerprint to family map.
func (s *KnownBadSet) Entries() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// LoadKnownBad reads a known-bad database from path. JSON files hold either
// a flat {"hash": "family"} object or {"known_bad": {...}}; CSV files hold
// "sha256,family" rows with '#' comment lines, as published by abuse feeds.
func LoadKnownBad(path string) (*KnownBadSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening known-bad database %s: %w", path, err)
	}
	defer f.Close()

	var entries map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		entries, err = parseKnownBadCSV(f)
	default:
		entries, err = parseKnownBadJSON(f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing known-bad database %s: %w", path, err)
	}
	return NewKnownBadSet(entries), nil
}

func parseKnownBadJSON(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		KnownBad map[string]string `json:"known_bad"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.KnownBad != nil {
		return wrapped.KnownBad, nil
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func parseKnownBadCSV(r io.Reader) (map[string]string, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	entries := make(map[string]string)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		family := "unknown"
		if len(rec) > 1 && strings.TrimSpace(rec[1]) != "" {
			family = strings.TrimSpace(rec[1])
		}
		entries[rec[0]] = family
	}
	return entries, nil
}
