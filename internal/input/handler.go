// Package input reads candidate inventories produced by the host enumerator.
package input

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chris-regnier/warden/internal/signal"
)

// Format of an inventory document.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFor picks the decoder from a file extension. Anything that is not
// .json is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Inventory is the on-disk list of installed applications.
type Inventory struct {
	Candidates []signal.Candidate `json:"candidates" yaml:"candidates"`
}

type Handler struct {
	logger *slog.Logger
}

func NewHandler() *Handler {
	return &Handler{logger: slog.Default()}
}

// WithLogger sets the logger used for skipped entries.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// Read decodes one inventory. A document may be an object with a
// "candidates" list or a bare list of candidates.
func (h *Handler) Read(r io.Reader, format Format) ([]signal.Candidate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var inv Inventory
	bare := data[0] == '[' || (format == FormatYAML && data[0] == '-')
	switch {
	case format == FormatJSON && bare:
		err = json.Unmarshal(data, &inv.Candidates)
	case format == FormatJSON:
		err = json.Unmarshal(data, &inv)
	case bare:
		err = yaml.Unmarshal(data, &inv.Candidates)
	default:
		err = yaml.Unmarshal(data, &inv)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding inventory: %w", err)
	}

	for i := range inv.Candidates {
		h.fillFingerprint(&inv.Candidates[i])
	}
	return inv.Candidates, nil
}

// ReadFiles reads and concatenates inventories. When an ID appears more than
// once the first entry wins.
func (h *Handler) ReadFiles(paths []string) ([]signal.Candidate, error) {
	var out []signal.Candidate
	seen := make(map[string]bool)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		cands, err := h.Read(f, FormatFor(p))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for _, c := range cands {
			if c.ID != "" && seen[c.ID] {
				h.logger.Warn("skipping duplicate candidate", "id", c.ID, "path", p)
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// ReadDirectory reads every .json, .yaml and .yml inventory under dir,
// skipping hidden directories.
func (h *Handler) ReadDirectory(dir string) ([]signal.Candidate, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.ReadFiles(paths)
}

// fillFingerprint hashes the package file when the enumerator did not supply
// a fingerprint. Unreadable packages are left without one and will be
// reported as invalid by the scan.
func (h *Handler) fillFingerprint(c *signal.Candidate) {
	c.Fingerprint = strings.ToLower(strings.TrimSpace(c.Fingerprint))
	if c.Fingerprint != "" || c.Path == "" {
		return
	}
	fp, err := FingerprintFile(c.Path)
	if err != nil {
		h.logger.Warn("cannot fingerprint package", "id", c.ID, "path", c.Path, "err", err)
		return
	}
	c.Fingerprint = fp
}

// FingerprintFile returns the hex SHA-256 of the file at path.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
