package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tofpeaks/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS peak_diagnostics (
	row_id       TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	run          INTEGER NOT NULL,
	peak_index   INTEGER NOT NULL,
	h            REAL,
	k            REAL,
	l            REAL,
	energy       REAL,
	wavelength   REAL,
	intensity    REAL,
	sigma        REAL,
	start_time   REAL,
	stop_time    REAL,
	chi_sq       REAL,
	alpha        REAL,
	beta         REAL,
	r            REAL,
	t0           REAL,
	scale        REAL,
	hat_width    REAL,
	conv_rate    REAL,
	background   TEXT,
	peak_time    REAL,
	lambda       REAL,
	bg_rate      REAL,
	search_mode  TEXT,
	candidates   INTEGER,
	status       TEXT NOT NULL,
	stage        TEXT,
	reason       TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_peak_diagnostics_run ON peak_diagnostics(run, peak_index);
CREATE TABLE IF NOT EXISTS run_progress (
	batch_id   TEXT NOT NULL,
	run        INTEGER NOT NULL,
	completed  INTEGER NOT NULL,
	total      INTEGER NOT NULL,
	marked_at  INTEGER NOT NULL
);
`

// SQLiteSink stores diagnostics rows and progress markers in SQLite.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create diagnostics schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close releases the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// WriteRows inserts the rows in one transaction.
func (s *SQLiteSink) WriteRows(ctx context.Context, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO peak_diagnostics (
			row_id, batch_id, run, peak_index, h, k, l, energy, wavelength,
			intensity, sigma, start_time, stop_time, chi_sq,
			alpha, beta, r, t0, scale, hat_width, conv_rate,
			background, peak_time, lambda, bg_rate, search_mode, candidates,
			status, stage, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, row := range rows {
		bg, err := json.Marshal(row.Background)
		if err != nil {
			return fmt.Errorf("encode background of peak %d: %w", row.PeakIndex, err)
		}
		p := row.Params
		_, err = stmt.ExecContext(ctx,
			uuid.New().String(), row.BatchID, row.Run, row.PeakIndex,
			row.HKL.H, row.HKL.K, row.HKL.L, row.Energy, row.Wavelength,
			row.Intensity, row.Sigma, row.StartTime, row.StopTime, row.ChiSq,
			p.Alpha, p.Beta, p.R, p.T0, p.Scale, p.HatWidth, p.ConvRate,
			string(bg), row.PeakTime, row.Lambda, row.BackgroundRate, row.SearchMode, row.Candidates,
			string(row.Status), row.Stage, row.Reason, now,
		)
		if err != nil {
			return fmt.Errorf("insert peak %d: %w", row.PeakIndex, err)
		}
	}
	return tx.Commit()
}

// MarkProgress records a progress marker.
func (s *SQLiteSink) MarkProgress(ctx context.Context, p Progress) error {
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_progress (batch_id, run, completed, total, marked_at) VALUES (?, ?, ?, ?, ?)`,
		p.BatchID, p.Run, p.Completed, p.Total, p.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("mark progress: %w", err)
	}
	return nil
}

// Rows reads back the rows of a run ordered by peak index.
func (s *SQLiteSink) Rows(ctx context.Context, run int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, run, peak_index, h, k, l, energy, wavelength,
		       intensity, sigma, start_time, stop_time, chi_sq,
		       alpha, beta, r, t0, scale, hat_width, conv_rate,
		       background, peak_time, lambda, bg_rate, search_mode, candidates, status, stage, reason
		FROM peak_diagnostics
		WHERE run = ?
		ORDER BY peak_index, created_at`, run)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var p models.PulseParams
		var bg, status string
		if err := rows.Scan(
			&r.BatchID, &r.Run, &r.PeakIndex, &r.HKL.H, &r.HKL.K, &r.HKL.L, &r.Energy, &r.Wavelength,
			&r.Intensity, &r.Sigma, &r.StartTime, &r.StopTime, &r.ChiSq,
			&p.Alpha, &p.Beta, &p.R, &p.T0, &p.Scale, &p.HatWidth, &p.ConvRate,
			&bg, &r.PeakTime, &r.Lambda, &r.BackgroundRate, &r.SearchMode, &r.Candidates, &status, &r.Stage, &r.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan diagnostics: %w", err)
		}
		if err := json.Unmarshal([]byte(bg), &r.Background); err != nil {
			return nil, fmt.Errorf("decode background: %w", err)
		}
		r.Params = p
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastProgress returns the most recent progress marker of a batch.
func (s *SQLiteSink) LastProgress(ctx context.Context, batchID string) (Progress, error) {
	var p Progress
	var marked int64
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, run, completed, total, marked_at
		FROM run_progress
		WHERE batch_id = ?
		ORDER BY marked_at DESC, completed DESC
		LIMIT 1`, batchID).Scan(&p.BatchID, &p.Run, &p.Completed, &p.Total, &marked)
	if err != nil {
		return Progress{}, fmt.Errorf("query progress: %w", err)
	}
	p.Time = time.Unix(0, marked)
	return p, nil
}
