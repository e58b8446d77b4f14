package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"screening-console/internal/domain"
	"screening-console/internal/summary"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "screening.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func floatPtr(v float64) *float64 { return &v }

func completedSession(t *testing.T, id string, cls domain.Class, endedAt time.Time) *domain.Session {
	t.Helper()
	session := domain.NewSession(id, endedAt.Add(-10*time.Minute))
	session.SetPortrait("placeholder://portrait")
	session.UpdateProfile(domain.Profile{Name: "A", Age: 40, Gender: "Female", History: "none"})
	session.AddImage(domain.AreaFace, domain.ImageCapture{
		ID: id + "-img-1", URL: "placeholder://face-1", CreatedAt: endedAt.Add(-8 * time.Minute),
	})
	session.AddImage(domain.AreaFace, domain.ImageCapture{
		ID: id + "-img-2", URL: "placeholder://face-2", CreatedAt: endedAt.Add(-7 * time.Minute),
	})

	level := domain.LevelGreen
	if cls == domain.ClassRash {
		level = domain.LevelYellow
	} else if cls == domain.ClassSkinCancer {
		level = domain.LevelRed
	}
	session.SetAnalysis(&domain.RawAnalysis{
		Overall: &domain.RawOverall{Level: level, Summary: "test verdict"},
		Predictions: []domain.RawPrediction{
			{ImageID: id + "-img-1", PredictedClass: cls, Confidence: floatPtr(0.7)},
			{ImageID: id + "-img-2", PredictedClass: cls, Confidence: floatPtr(0.9)},
		},
		Meta: &domain.RawMeta{ModelVersion: "mock-1.0", Timestamp: endedAt.Format(time.RFC3339)},
	})
	session.AnalysisSummary = summary.Build(session)
	session.MarkEnded(endedAt)
	return session
}

func TestAddRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	session := completedSession(t, "SESSION-rt", domain.ClassRash, endedAt)
	require.NoError(t, s.AddRecord(ctx, session))

	got, err := s.GetByID(ctx, "SESSION-rt")
	require.NoError(t, err)

	assert.Equal(t, session.SessionID, got.SessionID)
	assert.Equal(t, session.Profile, got.Profile)
	assert.Equal(t, session.PortraitURL, got.PortraitURL)
	require.NotNil(t, got.SessionEndedAt)
	assert.True(t, session.SessionEndedAt.Equal(*got.SessionEndedAt))
	require.NotNil(t, got.AnalysisSummary)
	assert.Equal(t, session.AnalysisSummary.Summary.PrimaryDetectedClass, got.AnalysisSummary.Summary.PrimaryDetectedClass)
	assert.Equal(t, session.AnalysisSummary.Summary.Counts, got.AnalysisSummary.Summary.Counts)
	assert.Equal(t, session.AnalysisSummary.Guidance, got.AnalysisSummary.Guidance)
	require.Len(t, got.AnalysisSummary.Predictions, 2)
	assert.Equal(t, session.AnalysisSummary.Predictions[0].ImageID, got.AnalysisSummary.Predictions[0].ImageID)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, domain.LevelYellow, got.Analysis.Overall.Level)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "screening.db")

	s, err := NewSQLite(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)

	// Second run must leave version and tables unchanged.
	require.NoError(t, s.Migrate(ctx))
	version, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
	require.NoError(t, s.Close())

	// Reopening reapplies nothing but still works against the same file.
	s2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	var tableCount int
	err = s2.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('meta', 'sessions', 'images')`).
		Scan(&tableCount)
	require.NoError(t, err)
	assert.Equal(t, 3, tableCount)
}

func TestListFilterSortPaginate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddRecord(ctx, completedSession(t, "SESSION-1", domain.ClassNormal, base)))
	require.NoError(t, s.AddRecord(ctx, completedSession(t, "SESSION-2", domain.ClassRash, base.Add(time.Hour))))
	require.NoError(t, s.AddRecord(ctx, completedSession(t, "SESSION-3", domain.ClassRash, base.Add(2*time.Hour))))

	// Default sort is newest first.
	records, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "SESSION-3", records[0].SessionID)
	assert.Equal(t, "SESSION-1", records[2].SessionID)

	// Ascending.
	records, err = s.List(ctx, ListOptions{Sort: SortAsc})
	require.NoError(t, err)
	assert.Equal(t, "SESSION-1", records[0].SessionID)

	// Primary-class filter.
	records, err = s.List(ctx, ListOptions{PrimaryClass: domain.ClassRash})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.ClassRash, r.AnalysisSummary.Summary.PrimaryDetectedClass)
	}

	// Pagination.
	records, err = s.List(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SESSION-2", records[0].SessionID)
}

func TestListDegradedProjectionOnBadDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endedAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddRecord(ctx, completedSession(t, "SESSION-bad", domain.ClassNormal, endedAt)))

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET session_document = '{broken' WHERE session_id = 'SESSION-bad'`)
	require.NoError(t, err)

	records, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	degraded := records[0]
	assert.Equal(t, "SESSION-bad", degraded.SessionID)
	assert.Equal(t, "A", degraded.Profile.Name)
	require.NotNil(t, degraded.AnalysisSummary)
	assert.Equal(t, domain.ClassNormal, degraded.AnalysisSummary.Summary.PrimaryDetectedClass)
	assert.Equal(t, "No concerning patterns identified", degraded.AnalysisSummary.Guidance.OutcomeLabel)
}

func TestGetByIDNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), "SESSION-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAnnotatedURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	endedAt := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	session := completedSession(t, "SESSION-ann", domain.ClassNormal, endedAt)
	require.NoError(t, s.AddRecord(ctx, session))

	imageID := "SESSION-ann-img-1"
	require.NoError(t, s.UpdateAnnotatedURL(ctx, "SESSION-ann", imageID, "annotated://one"))

	// Normalized row carries the reference.
	var annotated string
	err := s.db.QueryRowContext(ctx,
		`SELECT annotated_url FROM images WHERE image_id = ?`, imageID).Scan(&annotated)
	require.NoError(t, err)
	assert.Equal(t, "annotated://one", annotated)

	// And so does the stored document.
	got, err := s.GetByID(ctx, "SESSION-ann")
	require.NoError(t, err)
	pred := got.AnalysisSummary.FindPrediction(imageID)
	require.NotNil(t, pred)
	assert.Equal(t, "annotated://one", pred.AnnotatedURL)

	// Unknown session id is a not-found error.
	err = s.UpdateAnnotatedURL(ctx, "SESSION-missing", imageID, "annotated://x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRecordRollsBackOnImageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewWithDB(db)
	session := completedSession(t, "SESSION-tx", domain.ClassNormal, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT OR REPLACE INTO sessions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT OR REPLACE INTO images`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = s.AddRecord(context.Background(), session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert image row")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddRecordRequiresSummary(t *testing.T) {
	s := newTestStore(t)

	session := domain.NewSession("SESSION-nosum", time.Now())
	err := s.AddRecord(context.Background(), session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no analysis summary")
}
