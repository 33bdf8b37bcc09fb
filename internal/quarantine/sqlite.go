package quarantine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chris-regnier/warden/internal/verdict"
)

var tracer = otel.Tracer("github.com/chris-regnier/warden/internal/quarantine")

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists records in a SQLite database. Each transition is a
// conditional UPDATE on the state read in the same transaction, so a record
// changed concurrently by another process is rejected rather than overwritten.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (or creates) the quarantine database at path.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create quarantine dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open quarantine db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quarantine (
		candidate_id TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		record       TEXT NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quarantine_state ON quarantine(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init quarantine schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM quarantine WHERE candidate_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load quarantine record %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode quarantine record %s: %w", id, err)
	}
	return rec, nil
}

// transition runs one state change inside a transaction.
func (s *SQLiteStore) transition(ctx context.Context, id string, to State, v *verdict.Verdict, reason string) (rec Record, err error) {
	ctx, span := tracer.Start(ctx, "quarantine transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("warden.candidate.id", id),
		attribute.String("warden.quarantine.to", string(to)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rec, err = s.load(ctx, tx, id)
	exists := err == nil
	switch {
	case exists:
	case isNotFound(err) && to == StateFlagged:
		rec = Record{CandidateID: id}
	default:
		return Record{}, err
	}

	from := rec.State
	if err = apply(&rec, to, v, reason, s.opts.now()); err != nil {
		return Record{}, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode quarantine record: %w", err)
	}

	var res sql.Result
	if exists {
		res, err = tx.ExecContext(ctx, `
			UPDATE quarantine SET state = ?, fingerprint = ?, record = ?, updated_at = ?
			WHERE candidate_id = ? AND state = ?`,
			string(rec.State), rec.Fingerprint, string(raw), rec.UpdatedAt.UnixNano(), id, string(from))
	} else {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO quarantine (candidate_id, fingerprint, state, record, updated_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT(candidate_id) DO NOTHING`,
			id, rec.Fingerprint, string(rec.State), string(raw), rec.UpdatedAt.UnixNano())
	}
	if err != nil {
		return Record{}, fmt.Errorf("write quarantine record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		err = fmt.Errorf("%w: %s changed concurrently", ErrTransitionRejected, id)
		return Record{}, err
	}
	if err = tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit quarantine tx: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Flag(ctx context.Context, v verdict.Verdict) (Record, error) {
	if v.CandidateID == "" {
		return Record{}, fmt.Errorf("flag: verdict has no candidate id")
	}
	return s.transition(ctx, v.CandidateID, StateFlagged, &v, "scan verdict "+string(v.Action))
}

func (s *SQLiteStore) Quarantine(ctx context.Context, id, reason string) (Record, error) {
	return s.transition(ctx, id, StateQuarantined, nil, reason)
}

func (s *SQLiteStore) Restore(ctx context.Context, id, reason string) (Record, error) {
	return s.transition(ctx, id, StateRestored, nil, reason)
}

func (s *SQLiteStore) Remove(ctx context.Context, id, reason string) (Record, error) {
	return s.transition(ctx, id, StateRemoved, nil, reason)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	return s.load(ctx, s.db, id)
}

func (s *SQLiteStore) List(ctx context.Context, states ...State) ([]Record, error) {
	query := `SELECT record FROM quarantine`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY candidate_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quarantine records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan quarantine record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode quarantine record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Active(ctx context.Context, id string) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM quarantine WHERE candidate_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query quarantine state %s: %w", id, err)
	}
	return State(state) == StateQuarantined, nil
}
