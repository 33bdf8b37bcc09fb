// Package store archives scan reports so past runs can be listed and
// re-rendered.
package store

import (
	"context"
	"errors"

	"github.com/chris-regnier/warden/internal/sarif"
	"github.com/chris-regnier/warden/internal/scan"
)

// ErrNotFound is returned for unknown report IDs.
var ErrNotFound = errors.New("report not found")

type Store interface {
	// WriteReport archives a run report and returns its ID.
	WriteReport(ctx context.Context, report *scan.Report) (string, error)
	// WriteSARIF attaches a SARIF log to an archived report.
	WriteSARIF(ctx context.Context, id string, doc *sarif.Log) error
	ReadReport(ctx context.Context, id string) (*scan.Report, error)
	ReadSARIF(ctx context.Context, id string) (*sarif.Log, error)
	// List returns report IDs, newest first.
	List(ctx context.Context) ([]string, error)
}
