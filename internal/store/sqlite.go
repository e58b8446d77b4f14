package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"screening-console/internal/domain"
	"screening-console/internal/shared"

	_ "modernc.org/sqlite"
)

// schemaVersion is the version the migration set below produces.
const schemaVersion = 1

// migrations holds one batch of statements per schema version, index 0 being
// version 1. Every statement is safe to re-run.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			ended_at TEXT,
			patient_name TEXT,
			patient_age INTEGER,
			patient_gender TEXT,
			patient_history TEXT,
			overall_label TEXT,
			overall_level TEXT,
			primary_class TEXT,
			mean_confidence REAL,
			median_confidence REAL,
			low_conf_rate REAL,
			session_document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_primary_class ON sessions(primary_class)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_overall_level ON sessions(overall_level)`,
		`CREATE TABLE IF NOT EXISTS images (
			image_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			area TEXT NOT NULL,
			original_url TEXT,
			annotated_url TEXT,
			predicted_class TEXT,
			confidence REAL,
			captured_at TEXT,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_session_id ON images(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_images_pred_conf ON images(predicted_class, confidence)`,
	},
}

const defaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-backed repository and brings the schema up to
// the current version.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between the workflow writer and
	// history reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an existing database handle without running migrations.
// Used by tests that need to inject failures.
func NewWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate applies every migration batch above the stored schema version and
// advances the stored version. Re-running is a no-op.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	slog.Info("migrating database schema", "from", version, "to", schemaVersion)
	for v := version; v < len(migrations); v++ {
		for _, stmt := range migrations[v] {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration for version %d: %w", v+1, err)
			}
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(schemaVersion))
	if err != nil {
		return fmt.Errorf("store schema version: %w", err)
	}
	return nil
}

// SchemaVersion reads the stored schema version. A missing meta table or
// row means version 0.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err != nil {
		// Before the first migration the meta table does not exist.
		return 0, nil
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return version, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// AddRecord persists a completed session: one normalized session row, one
// row per prediction, and the full document, all or nothing. Retries on
// SQLite busy conflicts with exponential backoff.
func (s *SQLiteStore) AddRecord(ctx context.Context, session *domain.Session) error {
	if session.AnalysisSummary == nil {
		return fmt.Errorf("session %s has no analysis summary", session.SessionID)
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond
	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.addRecordOnce(ctx, session)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("record write hit a busy database, retrying",
				"session_id", session.SessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		return err
	}
	return fmt.Errorf("add record for %s after %d attempts: %w", session.SessionID, maxRetries, err)
}

func (s *SQLiteStore) addRecordOnce(ctx context.Context, session *domain.Session) error {
	summary := session.AnalysisSummary
	document, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("serialize session document: %w", err)
	}

	createdAt := summary.Meta.GeneratedAt
	if createdAt.IsZero() {
		if session.SessionEndedAt != nil {
			createdAt = *session.SessionEndedAt
		} else {
			createdAt = time.Now().UTC()
		}
	}

	var endedAt interface{}
	if session.SessionEndedAt != nil {
		endedAt = session.SessionEndedAt.UTC().Format(time.RFC3339)
	}

	var overallLevel interface{}
	if session.Analysis != nil && session.Analysis.Overall != nil {
		overallLevel = string(session.Analysis.Overall.Level)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			session_id, created_at, ended_at, patient_name, patient_age,
			patient_gender, patient_history, overall_label, overall_level,
			primary_class, mean_confidence, median_confidence, low_conf_rate,
			session_document
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		createdAt.UTC().Format(time.RFC3339),
		endedAt,
		session.Profile.Name,
		session.Profile.Age,
		session.Profile.Gender,
		session.Profile.History,
		summary.Guidance.OutcomeLabel,
		overallLevel,
		string(summary.Summary.PrimaryDetectedClass),
		nullableFloat(summary.Summary.MeanConfidence),
		nullableFloat(summary.Summary.MedianConfidence),
		nullableFloat(summary.Summary.LowConfidenceRate),
		string(document),
	)
	if err != nil {
		return fmt.Errorf("insert session row: %w", err)
	}

	for _, p := range summary.Predictions {
		var annotated interface{}
		if p.AnnotatedURL != "" {
			annotated = p.AnnotatedURL
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO images (
				image_id, session_id, area, original_url, annotated_url,
				predicted_class, confidence, captured_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ImageID,
			session.SessionID,
			string(p.Area),
			p.ImageURL,
			annotated,
			string(p.PredictedClass),
			p.Confidence,
			p.CapturedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert image row %s: %w", p.ImageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// List returns persisted records ordered by creation time. Each record is
// rehydrated from its stored document; when deserialization fails, a
// minimal projection is rebuilt from the normalized columns instead of
// failing the whole list.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*domain.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT session_id, created_at, patient_name, primary_class,
		       overall_label, session_document
		FROM sessions`
	args := []interface{}{}
	if opts.PrimaryClass != "" {
		query += ` WHERE primary_class = ?`
		args = append(args, string(opts.PrimaryClass))
	}
	if opts.Sort == SortAsc {
		query += ` ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close record rows", "error", closeErr)
		}
	}()

	var records []*domain.Session
	for rows.Next() {
		var (
			sessionID, createdAt, document string
			patientName, primaryClass      sql.NullString
			outcomeLabel                   sql.NullString
		)
		if err := rows.Scan(&sessionID, &createdAt, &patientName, &primaryClass, &outcomeLabel, &document); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		var session domain.Session
		if err := json.Unmarshal([]byte(document), &session); err != nil {
			slog.Warn("stored session document unreadable, returning degraded projection",
				"session_id", sessionID, "error", err)
			records = append(records, degradedProjection(sessionID, createdAt, patientName.String, primaryClass.String, outcomeLabel.String))
			continue
		}
		records = append(records, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// degradedProjection rebuilds the minimal record view needed by the history
// list from the normalized columns alone.
func degradedProjection(sessionID, createdAt, patientName, primaryClass, outcomeLabel string) *domain.Session {
	session := &domain.Session{
		SessionID: sessionID,
		Profile:   domain.Profile{Name: patientName},
		AnalysisSummary: &domain.AnalysisSummary{
			Summary:  domain.SummaryTotals{PrimaryDetectedClass: domain.Class(primaryClass)},
			Guidance: domain.Guidance{OutcomeLabel: outcomeLabel},
		},
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		session.SessionEndedAt = &t
	}
	return session
}

// GetByID returns the full deserialized session document.
func (s *SQLiteStore) GetByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_document FROM sessions WHERE session_id = ?`, sessionID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record %s: %w", sessionID, err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(document), &session); err != nil {
		return nil, fmt.Errorf("deserialize record %s: %w", sessionID, err)
	}
	return &session, nil
}

// UpdateAnnotatedURL writes the annotated reference to the image row, then
// rewrites the stored document with the same change. The two writes are
// deliberately not one transaction; see the Repository contract.
func (s *SQLiteStore) UpdateAnnotatedURL(ctx context.Context, sessionID, imageID, url string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE images SET annotated_url = ? WHERE session_id = ? AND image_id = ?`,
		url, sessionID, imageID)
	if err != nil {
		return fmt.Errorf("update image row: %w", err)
	}
	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		slog.Warn("annotated update matched no image row", "session_id", sessionID, "image_id", imageID)
	}

	session, err := s.GetByID(ctx, sessionID)
	if err == ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if session.AnalysisSummary == nil {
		return nil
	}
	pred := session.AnalysisSummary.FindPrediction(imageID)
	if pred == nil {
		return nil
	}
	pred.AnnotatedURL = url

	document, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("serialize updated document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET session_document = ? WHERE session_id = ?`,
		string(document), sessionID)
	if err != nil {
		return fmt.Errorf("rewrite session document: %w", err)
	}
	return nil
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
