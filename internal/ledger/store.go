package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Utterance statuses. Pending records exist from the moment attribution is
// known; synthesis flips them to synthesized or failed.
const (
	StatusPending     = "pending"
	StatusSynthesized = "synthesized"
	StatusFailed      = "failed"
)

// Record is the durable form of one utterance decision and its synthesis
// outcome. Records are keyed by (line_seq, intra_index), the only ordering
// key the pipeline uses.
type Record struct {
	LineSeq     int
	IntraIndex  int
	Speaker     string
	StyleID     int
	Text        string
	AudioPath   string
	Status      string
	Reason      string
	DurationSec float64
	ByteSize    int64
	UpdatedAt   time.Time
}

// Key orders records; it is strictly increasing in document order.
func (r Record) Key() (int, int) { return r.LineSeq, r.IntraIndex }

// RunInfo describes one pipeline run.
type RunInfo struct {
	RunID         string
	Title         string
	InputHash     string
	EngineVersion string
	StartedAt     time.Time
}

// Store is the sqlite-backed assignment log. One store owns one output
// directory; records survive crashes because every outcome is written the
// moment it is known, never batched.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates or reopens the ledger under dir.
func Open(ctx context.Context, dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	path := filepath.Join(dir, "ledger.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    title TEXT,
    input_hash TEXT,
    engine_version TEXT,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    line_seq INTEGER NOT NULL,
    intra_index INTEGER NOT NULL,
    speaker TEXT,
    style_id INTEGER,
    text TEXT,
    audio_path TEXT,
    status TEXT NOT NULL,
    reason TEXT,
    duration_sec REAL,
    byte_size INTEGER,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(line_seq, intra_index)
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records run metadata.
func (s *Store) BeginRun(ctx context.Context, run RunInfo) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, title, input_hash, engine_version, started_at)
		 VALUES(?, ?, ?, ?, ?)`,
		run.RunID, run.Title, run.InputHash, run.EngineVersion, run.StartedAt)
	return err
}

// Append upserts one record. A retried utterance overwrites its previous
// failed row; a successful row is only ever rewritten by an explicit retry
// of that same key.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(line_seq, intra_index, speaker, style_id, text, audio_path, status, reason, duration_sec, byte_size, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(line_seq, intra_index) DO UPDATE SET
		   speaker=excluded.speaker,
		   style_id=excluded.style_id,
		   text=excluded.text,
		   audio_path=excluded.audio_path,
		   status=excluded.status,
		   reason=excluded.reason,
		   duration_sec=excluded.duration_sec,
		   byte_size=excluded.byte_size,
		   updated_at=excluded.updated_at`,
		rec.LineSeq, rec.IntraIndex, rec.Speaker, rec.StyleID, rec.Text,
		rec.AudioPath, rec.Status, rec.Reason, rec.DurationSec, rec.ByteSize, rec.UpdatedAt)
	return err
}

// Get fetches one record by its ordering key.
func (s *Store) Get(ctx context.Context, lineSeq, intraIndex int) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT line_seq, intra_index, speaker, style_id, text, audio_path, status, reason, duration_sec, byte_size, updated_at
		 FROM utterances WHERE line_seq = ? AND intra_index = ?`, lineSeq, intraIndex)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// List returns all records in strictly increasing (line_seq, intra_index)
// order regardless of the order outcomes arrived in.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_seq, intra_index, speaker, style_id, text, audio_path, status, reason, duration_sec, byte_size, updated_at
		 FROM utterances ORDER BY line_seq ASC, intra_index ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastRun returns the most recent run metadata, if any.
func (s *Store) LastRun(ctx context.Context) (RunInfo, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, title, input_hash, engine_version, started_at
		 FROM runs ORDER BY started_at DESC LIMIT 1`)
	var run RunInfo
	var started string
	err := row.Scan(&run.RunID, &run.Title, &run.InputHash, &run.EngineVersion, &started)
	if err == sql.ErrNoRows {
		return RunInfo{}, false, nil
	}
	if err != nil {
		return RunInfo{}, false, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		run.StartedAt = ts
	}
	return run, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var updated string
	err := row.Scan(&rec.LineSeq, &rec.IntraIndex, &rec.Speaker, &rec.StyleID, &rec.Text,
		&rec.AudioPath, &rec.Status, &rec.Reason, &rec.DurationSec, &rec.ByteSize, &updated)
	if err != nil {
		return Record{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}
