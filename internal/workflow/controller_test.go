package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screening-console/internal/analysis"
	"screening-console/internal/domain"
	"screening-console/internal/hardware"
	"screening-console/internal/store"
)

type fakeHW struct {
	mu       sync.Mutex
	sessions int
	captures int
	deleted  []string
	failNext error
}

func (f *fakeHW) StartSession(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	f.sessions++
	return fmt.Sprintf("HW-%d", f.sessions), nil
}

func (f *fakeHW) CapturePortrait(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return fmt.Sprintf("portrait-%s-%d", sessionID, f.captures), nil
}

func (f *fakeHW) CaptureImage(_ context.Context, _ string, area domain.Area) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return fmt.Sprintf("image-%s-%d", area, f.captures), nil
}

func (f *fakeHW) DeleteImage(_ context.Context, _ string, _ domain.Area, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, imageID)
	return nil
}

func (f *fakeHW) SubscribeButtons(func(hardware.Button)) func() { return func() {} }

func (f *fakeHW) PreviewStreamURL() string { return "" }

type memRepo struct {
	mu      sync.Mutex
	records map[string]*domain.Session
	failAdd error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*domain.Session)}
}

func (r *memRepo) AddRecord(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdd != nil {
		return r.failAdd
	}
	r.records[s.SessionID] = cloneSession(s)
	return nil
}

func (r *memRepo) List(context.Context, store.ListOptions) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Session, 0, len(r.records))
	for _, s := range r.records {
		out = append(out, cloneSession(s))
	}
	return out, nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *memRepo) UpdateAnnotatedURL(_ context.Context, sessionID, imageID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.records[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if s.AnalysisSummary != nil {
		if p := s.AnalysisSummary.FindPrediction(imageID); p != nil {
			p.AnnotatedURL = url
		}
	}
	return nil
}

func (r *memRepo) SchemaVersion(context.Context) (int, error) { return 1, nil }
func (r *memRepo) Ping(context.Context) error                 { return nil }
func (r *memRepo) Close() error                               { return nil }

func newTestController(t *testing.T, repo store.Repository) (*Controller, *fakeHW) {
	t.Helper()
	hw := &fakeHW{}
	client := analysis.NewMockClientWithSchedule(time.Millisecond, 7)
	orch := analysis.NewOrchestrator(client, time.Millisecond)
	c := NewController(hw, repo, client, orch, nil)
	t.Cleanup(orch.Stop)
	return c, hw
}

func waitForState(t *testing.T, c *Controller, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == want {
			return snap
		}
		if snap.AnalysisError != "" && want != StateAnalysis {
			t.Fatalf("analysis error while waiting for %s: %s", want, snap.AnalysisError)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current %s", want, c.Snapshot().State)
	return Snapshot{}
}

func driveToCapture(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.StartSession(ctx))
	require.NoError(t, c.ConfirmPortrait())
	require.NoError(t, c.SubmitProfile(domain.Profile{Name: "A", Age: 40}))
}

func TestFullScreeningFlow(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c, _ := newTestController(t, st)
	ctx := context.Background()

	driveToCapture(t, c)
	snap := c.Snapshot()
	require.Equal(t, StateCapture, snap.State)
	require.Equal(t, domain.AreaFace, snap.CurrentArea)
	sessionID := snap.Session.SessionID

	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.Equal(t, domain.AreaArm, c.Snapshot().CurrentArea)

	// The arm has zero captures, so advancing is blocked until forced.
	require.NoError(t, c.AdvanceArea(false))
	snap = c.Snapshot()
	assert.True(t, snap.WarnAdvance)
	assert.Equal(t, StateCapture, snap.State)
	require.NoError(t, c.AdvanceArea(true))
	require.Equal(t, StateReview, c.Snapshot().State)

	require.NoError(t, c.SubmitAnalysis(ctx))
	snap = waitForState(t, c, StateResults)
	require.Equal(t, ModeActive, snap.ResultsMode)
	require.NotNil(t, snap.Session.Analysis)
	require.NotNil(t, snap.Session.AnalysisSummary)
	assert.Len(t, snap.Session.AnalysisSummary.Predictions, 2)

	require.NoError(t, c.ContinueToEnd())
	require.NoError(t, c.EndSession(ctx))
	require.Equal(t, StateReady, c.Snapshot().State)

	records, err := st.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, sessionID, records[0].SessionID)
	require.NotNil(t, records[0].AnalysisSummary)
	assert.Equal(t, snap.Session.AnalysisSummary.Summary.PrimaryDetectedClass,
		records[0].AnalysisSummary.Summary.PrimaryDetectedClass)
	assert.NotNil(t, records[0].SessionEndedAt)
}

func TestAdvanceBlockedKeepsState(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	driveToCapture(t, c)

	before := c.Snapshot()
	require.NoError(t, c.AdvanceArea(false))
	after := c.Snapshot()

	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.CurrentArea, after.CurrentArea)
	assert.True(t, after.WarnAdvance)

	c.DismissAdvanceWarning()
	assert.False(t, c.Snapshot().WarnAdvance)
}

func TestStartSessionOnlyFromReady(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	driveToCapture(t, c)

	err := c.StartSession(context.Background())
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateCapture, te.State)
}

func TestProfileValidation(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	ctx := context.Background()
	require.NoError(t, c.StartSession(ctx))
	require.NoError(t, c.ConfirmPortrait())

	err := c.SubmitProfile(domain.Profile{Name: "  ", Age: 130})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "name")
	assert.Contains(t, ve.Fields, "age")
	assert.Equal(t, StateProfile, c.Snapshot().State)

	require.NoError(t, c.SubmitProfile(domain.Profile{Name: "B", Age: 0}))
	assert.Equal(t, StateCapture, c.Snapshot().State)
}

func TestRecapturePortraitReplacesReference(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	ctx := context.Background()
	require.NoError(t, c.StartSession(ctx))

	first := c.Snapshot().Session.PortraitURL
	require.NoError(t, c.RecapturePortrait(ctx))
	second := c.Snapshot().Session.PortraitURL
	assert.NotEqual(t, first, second)
	assert.Equal(t, StatePortraitConfirm, c.Snapshot().State)
}

func TestDeleteLastImage(t *testing.T) {
	c, hw := newTestController(t, newMemRepo())
	ctx := context.Background()
	driveToCapture(t, c)

	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.CaptureImage(ctx))
	kept := c.Snapshot().Session.Images[domain.AreaFace][0].ID

	require.NoError(t, c.DeleteLastImage(ctx))
	imgs := c.Snapshot().Session.Images[domain.AreaFace]
	require.Len(t, imgs, 1)
	assert.Equal(t, kept, imgs[0].ID)
	assert.Len(t, hw.deleted, 1)

	// Deleting with nothing left is a no-op.
	require.NoError(t, c.DeleteLastImage(ctx))
	require.NoError(t, c.DeleteLastImage(ctx))
	assert.Len(t, hw.deleted, 2)
}

func TestDeleteImageByID(t *testing.T) {
	c, hw := newTestController(t, newMemRepo())
	ctx := context.Background()
	driveToCapture(t, c)

	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.CaptureImage(ctx))
	imgs := c.Snapshot().Session.Images[domain.AreaFace]
	require.Len(t, imgs, 2)

	require.NoError(t, c.DeleteImageByID(ctx, imgs[0].ID))
	left := c.Snapshot().Session.Images[domain.AreaFace]
	require.Len(t, left, 1)
	assert.Equal(t, imgs[1].ID, left[0].ID)
	assert.Equal(t, []string{imgs[0].ID}, hw.deleted)

	err := c.DeleteImageByID(ctx, "no-such-image")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetakeAreaFromReview(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	ctx := context.Background()
	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.Equal(t, StateReview, c.Snapshot().State)

	require.NoError(t, c.RetakeArea(domain.AreaFace))
	snap := c.Snapshot()
	assert.Equal(t, StateCapture, snap.State)
	assert.Equal(t, domain.AreaFace, snap.CurrentArea)
	assert.Len(t, snap.Session.Images[domain.AreaFace], 1)

	require.Error(t, c.RetakeArea(domain.Area("leg")))
}

func TestPersistFailureStaysOnAnalysis(t *testing.T) {
	repo := newMemRepo()
	repo.failAdd = errors.New("disk full")
	c, _ := newTestController(t, repo)
	ctx := context.Background()

	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.NoError(t, c.SubmitAnalysis(ctx))

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := c.Snapshot()
		if snap.AnalysisError != "" {
			assert.Equal(t, StateAnalysis, snap.State)
			assert.Contains(t, snap.AnalysisError, "could not be saved")
			assert.NotNil(t, snap.Session.Analysis)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for persistence error")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Once the repository recovers, retry resubmits and lands on results.
	repo.mu.Lock()
	repo.failAdd = nil
	repo.mu.Unlock()
	require.NoError(t, c.RetryAnalysis(ctx))
	waitForState(t, c, StateResults)
}

func TestAbortDuringAnalysis(t *testing.T) {
	repo := newMemRepo()
	c, _ := newTestController(t, repo)
	ctx := context.Background()

	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.NoError(t, c.SubmitAnalysis(ctx))
	require.Equal(t, StateAnalysis, c.Snapshot().State)

	require.NoError(t, c.Abort(ctx))
	snap := c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Nil(t, snap.Session)

	// The incomplete session was never archived.
	records, err := repo.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHistoryBrowsing(t *testing.T) {
	repo := newMemRepo()
	c, _ := newTestController(t, repo)
	ctx := context.Background()

	// Complete one session so the archive has an entry.
	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.NoError(t, c.SubmitAnalysis(ctx))
	snap := waitForState(t, c, StateResults)
	sessionID := snap.Session.SessionID
	require.NoError(t, c.ContinueToEnd())
	require.NoError(t, c.EndSession(ctx))

	require.NoError(t, c.OpenHistory())
	require.Equal(t, StateHistory, c.Snapshot().State)

	require.NoError(t, c.OpenRecord(ctx, sessionID))
	snap = c.Snapshot()
	assert.Equal(t, StateResults, snap.State)
	assert.Equal(t, ModeHistory, snap.ResultsMode)
	require.NotNil(t, snap.ViewingRecord)
	assert.Equal(t, sessionID, snap.ViewingSessionID)

	require.NoError(t, c.BackToHistory())
	assert.Nil(t, c.Snapshot().ViewingRecord)
	require.NoError(t, c.CloseHistory())
	assert.Equal(t, StateReady, c.Snapshot().State)

	require.NoError(t, c.OpenHistory())
	assert.ErrorIs(t, c.OpenRecord(ctx, "missing"), store.ErrNotFound)
	require.NoError(t, c.CloseHistory())
}

func TestLoadAnnotatedImagePatchesRecord(t *testing.T) {
	repo := newMemRepo()
	c, _ := newTestController(t, repo)
	ctx := context.Background()

	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.NoError(t, c.SubmitAnalysis(ctx))
	snap := waitForState(t, c, StateResults)
	sessionID := snap.Session.SessionID
	imageID := snap.Session.AnalysisSummary.Predictions[0].ImageID
	require.NoError(t, c.ContinueToEnd())
	require.NoError(t, c.EndSession(ctx))

	require.NoError(t, c.OpenHistory())
	require.NoError(t, c.OpenRecord(ctx, sessionID))

	url, err := c.LoadAnnotatedImage(ctx, sessionID, imageID)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	snap = c.Snapshot()
	p := snap.ViewingRecord.AnalysisSummary.FindPrediction(imageID)
	require.NotNil(t, p)
	assert.Equal(t, url, p.AnnotatedURL)

	stored, err := repo.GetByID(ctx, sessionID)
	require.NoError(t, err)
	sp := stored.AnalysisSummary.FindPrediction(imageID)
	require.NotNil(t, sp)
	assert.Equal(t, url, sp.AnnotatedURL)
}

func TestHandleButtonMapping(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	ctx := context.Background()

	c.HandleButton(ctx, hardware.Button2) // ignored on ready
	assert.Equal(t, StateReady, c.Snapshot().State)

	c.HandleButton(ctx, hardware.Button1)
	assert.Equal(t, StatePortraitConfirm, c.Snapshot().State)

	require.NoError(t, c.ConfirmPortrait())
	require.NoError(t, c.SubmitProfile(domain.Profile{Name: "C", Age: 55}))

	c.HandleButton(ctx, hardware.Button1)
	assert.Len(t, c.Snapshot().Session.Images[domain.AreaFace], 1)

	c.HandleButton(ctx, hardware.Button2)
	assert.Equal(t, domain.AreaArm, c.Snapshot().CurrentArea)
}

func TestOnChangeNotifications(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())

	var mu sync.Mutex
	var states []State
	unsub := c.OnChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	require.NoError(t, c.StartSession(context.Background()))
	require.NoError(t, c.ConfirmPortrait())

	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, StatePortraitConfirm, got[0])
	assert.Equal(t, StateProfile, got[1])

	unsub()
	require.NoError(t, c.BackToPortrait())
	mu.Lock()
	assert.Len(t, states, 2)
	mu.Unlock()
}

func TestAbortIfIdle(t *testing.T) {
	c, _ := newTestController(t, newMemRepo())
	ctx := context.Background()

	// The ready screen never expires.
	c.abortIfIdle(ctx, 0)
	assert.Equal(t, StateReady, c.Snapshot().State)

	driveToCapture(t, c)

	// A fresh action keeps the session alive.
	c.abortIfIdle(ctx, time.Hour)
	assert.Equal(t, StateCapture, c.Snapshot().State)

	time.Sleep(5 * time.Millisecond)
	c.abortIfIdle(ctx, time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Nil(t, snap.Session)
}

func TestEndSessionPersistFailureKeepsSession(t *testing.T) {
	repo := newMemRepo()
	c, _ := newTestController(t, repo)
	ctx := context.Background()

	driveToCapture(t, c)
	require.NoError(t, c.CaptureImage(ctx))
	require.NoError(t, c.AdvanceArea(false))
	require.NoError(t, c.AdvanceArea(true))
	require.NoError(t, c.SubmitAnalysis(ctx))
	waitForState(t, c, StateResults)
	require.NoError(t, c.ContinueToEnd())

	repo.mu.Lock()
	repo.failAdd = errors.New("disk full")
	repo.mu.Unlock()
	err := c.EndSession(ctx)
	require.Error(t, err)
	snap := c.Snapshot()
	assert.Equal(t, StateEnd, snap.State)
	require.NotNil(t, snap.Session)

	repo.mu.Lock()
	repo.failAdd = nil
	repo.mu.Unlock()
	require.NoError(t, c.EndSession(ctx))
	assert.Equal(t, StateReady, c.Snapshot().State)
}
