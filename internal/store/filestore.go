package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-regnier/warden/internal/sarif"
	"github.com/chris-regnier/warden/internal/scan"
)

var storeTracer = otel.Tracer("github.com/chris-regnier/warden/internal/store")

var _ Store = (*FileStore)(nil)

const (
	reportFile = "report.json"
	sarifFile  = "sarif.json"
)

// FileStore keeps one directory per run, named by generation time and run ID
// so lexical order is chronological.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func reportID(r *scan.Report) string {
	run := strings.ReplaceAll(r.RunID, "-", "")
	if len(run) > 12 {
		run = run[:12]
	}
	return fmt.Sprintf("%s-%s", r.GeneratedAt.UTC().Format("2006-01-02T15-04-05Z"), run)
}

func (s *FileStore) resultDir(id string) string {
	return filepath.Join(s.dir, filepath.Base(id))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(filepath.Dir(path)))
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *FileStore) WriteReport(ctx context.Context, report *scan.Report) (string, error) {
	_, span := storeTracer.Start(ctx, "write report")
	defer span.End()

	id := reportID(report)
	dir := s.resultDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fail(span, err)
	}
	if err := writeJSON(filepath.Join(dir, reportFile), report); err != nil {
		return "", fail(span, err)
	}

	span.SetAttributes(
		attribute.String("warden.store.id", id),
		attribute.String("warden.run.id", report.RunID),
		attribute.Int("warden.store.verdict_count", len(report.Verdicts)),
	)
	return id, nil
}

func (s *FileStore) WriteSARIF(ctx context.Context, id string, doc *sarif.Log) error {
	_, span := storeTracer.Start(ctx, "write sarif")
	defer span.End()

	dir := s.resultDir(id)
	if _, err := os.Stat(filepath.Join(dir, reportFile)); err != nil {
		return fail(span, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	if err := writeJSON(filepath.Join(dir, sarifFile), doc); err != nil {
		return fail(span, err)
	}

	resultCount := 0
	if len(doc.Runs) > 0 {
		resultCount = len(doc.Runs[0].Results)
	}
	span.SetAttributes(
		attribute.String("warden.store.id", id),
		attribute.Int("warden.store.result_count", resultCount),
	)
	return nil
}

func (s *FileStore) ReadReport(ctx context.Context, id string) (*scan.Report, error) {
	var r scan.Report
	if err := readJSON(filepath.Join(s.resultDir(id), reportFile), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *FileStore) ReadSARIF(ctx context.Context, id string) (*sarif.Log, error) {
	var log sarif.Log
	if err := readJSON(filepath.Join(s.resultDir(id), sarifFile), &log); err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Latest returns the newest report, or ErrNotFound when the archive is empty.
func (s *FileStore) Latest(ctx context.Context) (string, *scan.Report, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(ids) == 0 {
		return "", nil, ErrNotFound
	}
	r, err := s.ReadReport(ctx, ids[0])
	return ids[0], r, err
}
