package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/telemetry"
	"github.com/inframate/inframate/pkg/workflow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
const defaultBusyTimeoutMS = 5000

var (
	_ Store             = (*SQLiteStore)(nil)
	_ workflow.RunStore = (*SQLiteStore)(nil)
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	// Path is a file path, a file: URI, or ":memory:".
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
	Logger          zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaultBusyTimeoutMS * time.Millisecond
	}
	// An in-memory database lives and dies with its only connection.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sqlite-store").Logger(),
	}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", normalizeSQLiteDSN(s.cfg.Path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", s.cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if err := RetryWithBackoff(ctx, func() error {
			_, err := db.ExecContext(ctx, pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

func normalizeSQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?mode=rwc"
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	err = RetryWithBackoff(ctx, func() error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveRun inserts or updates a run from its summary, replacing the run's
// recovery records with the summary's error report.
func (s *SQLiteStore) SaveRun(ctx context.Context, summary *workflow.Summary) error {
	blob, err := marshalSummary(summary)
	if err != nil {
		return err
	}

	var completedAt *time.Time
	if !summary.CompletedAt.IsZero() {
		t := summary.CompletedAt.UTC()
		completedAt = &t
	}
	now := time.Now().UTC()

	return RetryWithBackoff(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, action, mode, status, success, step_count, failure_count,
				started_at, completed_at, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				success = excluded.success,
				step_count = excluded.step_count,
				failure_count = excluded.failure_count,
				completed_at = excluded.completed_at,
				summary = excluded.summary,
				updated_at = excluded.updated_at
		`,
			summary.RunID,
			summary.Action,
			string(summary.Mode),
			string(summary.Status),
			summary.Success,
			len(summary.Steps),
			len(summary.Failures),
			summary.StartedAt.UTC(),
			completedAt,
			blob,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_errors WHERE run_id = ?`, summary.RunID); err != nil {
			return fmt.Errorf("failed to clear recovery records: %w", err)
		}
		for _, entry := range summary.ErrorReport.Errors {
			rec, err := recordFromEntry(summary.RunID, entry)
			if err != nil {
				return err
			}
			if err := insertRecovery(ctx, tx, rec); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit run: %w", err)
		}
		return nil
	})
}

// marshalSummary encodes the summary, dropping step results that cannot be
// encoded.
func marshalSummary(summary *workflow.Summary) (string, error) {
	blob, err := json.Marshal(summary)
	if err == nil {
		return string(blob), nil
	}
	trimmed := *summary
	trimmed.Results = nil
	blob, err = json.Marshal(&trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to encode run summary: %w", err)
	}
	return string(blob), nil
}

const runColumns = `id, action, mode, status, success, step_count, failure_count,
	started_at, completed_at, summary, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Action,
		&run.Mode,
		&run.Status,
		&run.Success,
		&run.StepCount,
		&run.FailureCount,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Summary,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunSummary returns the stored summary of a run.
func (s *SQLiteStore) GetRunSummary(ctx context.Context, id string) (*workflow.Summary, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := &workflow.Summary{}
	if err := json.Unmarshal([]byte(run.Summary), summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	return summary, nil
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun deletes a run and its recovery records
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveRecovery stores a handled failure. An empty runID stores it without a
// run, as the handle command does.
func (s *SQLiteStore) SaveRecovery(ctx context.Context, runID string, ec *recovery.ErrorContext) error {
	entry := recovery.NewReport([]recovery.ErrorContext{ec.Clone()}).Errors[0]
	rec, err := recordFromEntry(runID, entry)
	if err != nil {
		return err
	}
	return RetryWithBackoff(ctx, func() error {
		return insertRecovery(ctx, s.db, rec)
	})
}

func recordFromEntry(runID string, entry recovery.ReportEntry) (*RecoveryRecord, error) {
	rec := &RecoveryRecord{
		ID:             entry.ID,
		RunID:          optional(runID),
		Classification: string(entry.Classification),
		Message:        entry.Message,
		Severity:       string(entry.Severity),
		Recovered:      entry.Recovered,
		RetryCount:     entry.RetryCount,
		ContextData:    "{}",
		CreatedAt:      entry.Timestamp.UTC(),
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if step, ok := entry.ContextData["step"].(string); ok {
		rec.Step = optional(step)
	}
	rec.RecoveryOutcome = optional(string(entry.RecoveryOutcome))

	if entry.AdvisorySolution != nil {
		blob, err := json.Marshal(entry.AdvisorySolution)
		if err != nil {
			return nil, fmt.Errorf("failed to encode advisory solution: %w", err)
		}
		rec.AdvisorySolution = optional(string(blob))
	}
	if len(entry.ContextData) > 0 {
		blob, err := json.Marshal(entry.ContextData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode context data: %w", err)
		}
		rec.ContextData = string(blob)
	}
	return rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecovery(ctx context.Context, db execer, rec *RecoveryRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO recovery_errors (
			id, run_id, step, classification, message, severity, recovered,
			retry_count, recovery_outcome, advisory_solution, context_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.RunID,
		rec.Step,
		rec.Classification,
		rec.Message,
		rec.Severity,
		rec.Recovered,
		rec.RetryCount,
		rec.RecoveryOutcome,
		rec.AdvisorySolution,
		rec.ContextData,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recovery record: %w", err)
	}
	return nil
}

// ListRecoveries lists recovery records, optionally for one run, newest
// first.
func (s *SQLiteStore) ListRecoveries(ctx context.Context, runID *string, limit, offset int) ([]*RecoveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step, classification, message, severity, recovered,
			retry_count, recovery_outcome, advisory_solution, context_data, created_at
		FROM recovery_errors
		WHERE (? IS NULL OR run_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, runID, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery records: %w", err)
	}
	defer rows.Close()

	records := []*RecoveryRecord{}
	for rows.Next() {
		rec := &RecoveryRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Step,
			&rec.Classification,
			&rec.Message,
			&rec.Severity,
			&rec.Recovered,
			&rec.RetryCount,
			&rec.RecoveryOutcome,
			&rec.AdvisorySolution,
			&rec.ContextData,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery records: %w", err)
	}
	return records, nil
}

// AppendEvent stores an event. A missing ID is generated.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	return RetryWithBackoff(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO events (id, run_id, type, source, step, classification, level, message, data, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			event.ID,
			event.RunID,
			event.Type,
			event.Source,
			event.Step,
			event.Classification,
			event.Level,
			event.Message,
			event.Data,
			event.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
}

// GetEvents retrieves events with optional filters and pagination, in
// chronological order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, source, step, classification, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?
	`,
		filter.RunID, filter.RunID,
		filter.Type, filter.Type,
		filter.Level, filter.Level,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Type,
			&ev.Source,
			&ev.Step,
			&ev.Classification,
			&ev.Level,
			&ev.Message,
			&ev.Data,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// EventSubscriber returns a telemetry subscriber that persists every event
// it receives. Failures are logged; delivery never blocks on them.
func (s *SQLiteStore) EventSubscriber(ctx context.Context) telemetry.EventSubscriber {
	return func(ev telemetry.Event) {
		stored, err := fromTelemetryEvent(ev)
		if err == nil {
			err = s.AppendEvent(ctx, stored)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Failed to persist event")
		}
	}
}

func fromTelemetryEvent(ev telemetry.Event) (*Event, error) {
	out := &Event{
		ID:             ev.ID,
		RunID:          optional(ev.RunID),
		Type:           ev.Type,
		Source:         ev.Source,
		Step:           optional(ev.Step),
		Classification: optional(ev.Classification),
		Level:          ev.Level,
		Message:        ev.Message,
		Timestamp:      ev.Timestamp,
	}
	if len(ev.Data) > 0 {
		blob, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		out.Data = optional(string(blob))
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
