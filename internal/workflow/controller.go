// Package workflow drives the guided screening session: a single state
// machine stepping from the idle screen through portrait confirmation,
// profile entry, per-area capture, review, analysis, and results. One
// controller serializes operator actions, hardware button presses, and
// analysis callbacks behind a single mutex.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"screening-console/internal/analysis"
	"screening-console/internal/domain"
	"screening-console/internal/hardware"
	"screening-console/internal/store"
	"screening-console/internal/summary"
)

// Controller owns the active session and coordinates hardware, the analysis
// orchestrator, and the record repository. All exported methods are safe for
// concurrent use.
type Controller struct {
	hw     hardware.Adapter
	repo   store.Repository
	client analysis.Client
	orch   *analysis.Orchestrator
	log    *slog.Logger

	mu          sync.Mutex
	state       State
	resultsMode ResultsMode
	session     *domain.Session
	viewing     *domain.Session
	areaIdx     int
	warnAdvance bool
	starting    bool
	status      *analysis.JobStatus
	analysisErr string
	lastActive  time.Time

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// NewController creates a controller on the ready screen.
func NewController(hw hardware.Adapter, repo store.Repository, client analysis.Client, orch *analysis.Orchestrator, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		hw:         hw,
		repo:       repo,
		client:     client,
		orch:       orch,
		log:        log,
		state:      StateReady,
		lastActive: time.Now(),
		subs:       make(map[int]func(Snapshot)),
	}
}

// OnChange registers a listener invoked with a fresh snapshot after every
// state change. The returned function removes the listener.
func (c *Controller) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Snapshot returns a deep-copied view of the current workflow state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:            c.state,
		WarnAdvance:      c.warnAdvance,
		AnalysisError:    c.analysisErr,
		Session:          cloneSession(c.session),
		ViewingRecord:    cloneSession(c.viewing),
		PreviewStreamURL: c.hw.PreviewStreamURL(),
	}
	if c.state == StateResults {
		snap.ResultsMode = c.resultsMode
	}
	if c.session != nil {
		snap.CurrentArea = domain.AreaOrder[c.areaIdx]
	}
	if c.viewing != nil {
		snap.ViewingSessionID = c.viewing.SessionID
	}
	if c.status != nil {
		st := *c.status
		snap.AnalysisStatus = &st
	}
	return snap
}

// cloneSession deep-copies through the document encoding, the same shape the
// session is persisted and streamed in.
func cloneSession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out domain.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return s
	}
	return &out
}

func (c *Controller) publish(snap Snapshot) {
	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// emitLocked builds a snapshot, releases the state lock, and notifies
// listeners. Every mutating method ends with it, so it doubles as the
// activity mark the idle watchdog checks against.
func (c *Controller) emitLocked() {
	c.lastActive = time.Now()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
}

// StartSession allocates a hardware session, captures the portrait, and
// moves to portrait confirmation. Concurrent starts collapse into one.
func (c *Controller) StartSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return &TransitionError{Action: "start session", State: c.state}
	}
	if c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.mu.Unlock()

	sessionID, err := c.hw.StartSession(ctx)
	if err == nil {
		var portrait string
		portrait, err = c.hw.CapturePortrait(ctx, sessionID)
		if err == nil {
			c.mu.Lock()
			c.starting = false
			c.session = domain.NewSession(sessionID, time.Now().UTC())
			c.session.SetPortrait(portrait)
			c.state = StatePortraitConfirm
			c.areaIdx = 0
			c.warnAdvance = false
			c.analysisErr = ""
			c.status = nil
			c.log.Info("session started", "session_id", sessionID)
			c.emitLocked()
			return nil
		}
	}

	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
	return fmt.Errorf("start session: %w", err)
}

// ConfirmPortrait accepts the portrait and moves to the profile form.
func (c *Controller) ConfirmPortrait() error {
	c.mu.Lock()
	if c.state != StatePortraitConfirm {
		c.mu.Unlock()
		return &TransitionError{Action: "confirm portrait", State: c.state}
	}
	c.state = StateProfile
	c.emitLocked()
	return nil
}

// RecapturePortrait retakes the portrait shot, staying on confirmation.
func (c *Controller) RecapturePortrait(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePortraitConfirm || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "recapture portrait", State: c.state}
	}
	sessionID := c.session.SessionID
	c.mu.Unlock()

	portrait, err := c.hw.CapturePortrait(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recapture portrait: %w", err)
	}

	c.mu.Lock()
	if c.state == StatePortraitConfirm && c.session != nil && c.session.SessionID == sessionID {
		c.session.SetPortrait(portrait)
	}
	c.emitLocked()
	return nil
}

// SubmitProfile validates and records the patient profile, then enters the
// capture phase on the first area.
func (c *Controller) SubmitProfile(p domain.Profile) error {
	c.mu.Lock()
	if c.state != StateProfile || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "submit profile", State: c.state}
	}
	if err := validateProfile(p); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session.UpdateProfile(p)
	c.state = StateCapture
	c.areaIdx = 0
	c.warnAdvance = false
	c.emitLocked()
	return nil
}

func validateProfile(p domain.Profile) error {
	fields := map[string]string{}
	if strings.TrimSpace(p.Name) == "" {
		fields["name"] = "Name is required"
	}
	if p.Age < 0 || p.Age > 120 {
		fields["age"] = "Age must be between 0 and 120"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// CaptureImage takes one image of the current area and appends it to the
// session's ordered sequence.
func (c *Controller) CaptureImage(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCapture || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "capture image", State: c.state}
	}
	sessionID := c.session.SessionID
	area := domain.AreaOrder[c.areaIdx]
	c.mu.Unlock()

	url, err := c.hw.CaptureImage(ctx, sessionID, area)
	if err != nil {
		return fmt.Errorf("capture image: %w", err)
	}

	c.mu.Lock()
	if c.state != StateCapture || c.session == nil || c.session.SessionID != sessionID {
		c.mu.Unlock()
		return nil
	}
	c.session.AddImage(area, domain.ImageCapture{
		ID:        uuid.NewString(),
		URL:       url,
		CreatedAt: time.Now().UTC(),
	})
	c.warnAdvance = false
	c.emitLocked()
	return nil
}

// DeleteLastImage removes the most recent capture of the current area. The
// device-side delete is best effort.
func (c *Controller) DeleteLastImage(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCapture || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "delete last image", State: c.state}
	}
	area := domain.AreaOrder[c.areaIdx]
	sessionID := c.session.SessionID
	removed := c.session.DeleteLastImage(area)
	c.emitLocked()
	if removed == nil {
		return nil
	}
	if err := c.hw.DeleteImage(ctx, sessionID, area, removed.ID); err != nil {
		c.log.Warn("hardware image delete failed", "image_id", removed.ID, "error", err)
	}
	return nil
}

// DeleteImageByID removes a specific capture from whichever area holds it.
// Returns a not-found style error when no image matches.
func (c *Controller) DeleteImageByID(ctx context.Context, imageID string) error {
	c.mu.Lock()
	if c.state != StateCapture || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "delete image", State: c.state}
	}
	sessionID := c.session.SessionID
	var removed *domain.ImageCapture
	var area domain.Area
	for _, a := range domain.AreaOrder {
		if img := c.session.DeleteImageByID(a, imageID); img != nil {
			removed, area = img, a
			break
		}
	}
	if removed == nil {
		c.mu.Unlock()
		return fmt.Errorf("no captured image %q: %w", imageID, store.ErrNotFound)
	}
	c.emitLocked()
	if err := c.hw.DeleteImage(ctx, sessionID, area, removed.ID); err != nil {
		c.log.Warn("hardware image delete failed", "image_id", removed.ID, "error", err)
	}
	return nil
}

// AdvanceArea moves to the next capture area, or to review after the last.
// Advancing past an area with zero captures is blocked until forced.
func (c *Controller) AdvanceArea(force bool) error {
	c.mu.Lock()
	if c.state != StateCapture || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "advance area", State: c.state}
	}
	area := domain.AreaOrder[c.areaIdx]
	if c.session.ImageCount(area) == 0 && !force {
		c.warnAdvance = true
		c.emitLocked()
		return nil
	}
	c.warnAdvance = false
	if c.areaIdx == len(domain.AreaOrder)-1 {
		c.state = StateReview
	} else {
		c.areaIdx++
	}
	c.emitLocked()
	return nil
}

// DismissAdvanceWarning clears the empty-area warning.
func (c *Controller) DismissAdvanceWarning() {
	c.mu.Lock()
	c.warnAdvance = false
	c.emitLocked()
}

// RetakeArea returns from review to the capture phase on a chosen area.
// Existing captures for the area are kept; the operator deletes or adds.
func (c *Controller) RetakeArea(area domain.Area) error {
	c.mu.Lock()
	if c.state != StateReview || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "retake area", State: c.state}
	}
	idx := -1
	for i, a := range domain.AreaOrder {
		if a == area {
			idx = i
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("unknown area %q", area)
	}
	c.state = StateCapture
	c.areaIdx = idx
	c.warnAdvance = false
	c.emitLocked()
	return nil
}

// BackToPortrait returns from the profile form to portrait confirmation.
func (c *Controller) BackToPortrait() error {
	return c.transition("back to portrait", StateProfile, StatePortraitConfirm)
}

// BackToProfile returns from capture to the profile form.
func (c *Controller) BackToProfile() error {
	return c.transition("back to profile", StateCapture, StateProfile)
}

// BackToCapture returns from review to the capture phase on the last area.
func (c *Controller) BackToCapture() error {
	c.mu.Lock()
	if c.state != StateReview {
		c.mu.Unlock()
		return &TransitionError{Action: "back to capture", State: c.state}
	}
	c.state = StateCapture
	c.areaIdx = len(domain.AreaOrder) - 1
	c.emitLocked()
	return nil
}

// BackToReview returns from active results to review, keeping the analysis
// attached so a fresh submit replaces it.
func (c *Controller) BackToReview() error {
	c.mu.Lock()
	if c.state != StateResults || c.resultsMode != ModeActive {
		c.mu.Unlock()
		return &TransitionError{Action: "back to review", State: c.state}
	}
	c.state = StateReview
	c.emitLocked()
	return nil
}

// BackToResults returns from the end screen to active results.
func (c *Controller) BackToResults() error {
	c.mu.Lock()
	if c.state != StateEnd {
		c.mu.Unlock()
		return &TransitionError{Action: "back to results", State: c.state}
	}
	c.state = StateResults
	c.resultsMode = ModeActive
	c.emitLocked()
	return nil
}

func (c *Controller) transition(action string, from, to State) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return &TransitionError{Action: action, State: c.state}
	}
	c.state = to
	c.emitLocked()
	return nil
}

// SubmitAnalysis submits the reviewed session for analysis and starts
// polling. A fresh submit always replaces any previously held job.
func (c *Controller) SubmitAnalysis(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReview || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "submit analysis", State: c.state}
	}
	payload := analysis.BuildPayload(c.session)
	c.state = StateAnalysis
	c.status = &analysis.JobStatus{Status: analysis.StatusQueued}
	c.analysisErr = ""
	c.emitLocked()

	c.orch.Reset()
	if err := c.orch.Start(ctx, payload, c.callbacks()); err != nil {
		c.setAnalysisError(err)
		return nil
	}
	return nil
}

// ResumeAnalysis resumes polling for the held job, typically after an
// operator console reconnect. Nothing is resubmitted if a job is held.
func (c *Controller) ResumeAnalysis(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateAnalysis || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "resume analysis", State: c.state}
	}
	payload := analysis.BuildPayload(c.session)
	c.mu.Unlock()

	if err := c.orch.Start(ctx, payload, c.callbacks()); err != nil {
		c.setAnalysisError(err)
	}
	return nil
}

// RetryAnalysis discards the failed job and submits a new one.
func (c *Controller) RetryAnalysis(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateAnalysis || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "retry analysis", State: c.state}
	}
	payload := analysis.BuildPayload(c.session)
	c.status = &analysis.JobStatus{Status: analysis.StatusQueued}
	c.analysisErr = ""
	c.emitLocked()

	c.orch.Reset()
	if err := c.orch.Start(ctx, payload, c.callbacks()); err != nil {
		c.setAnalysisError(err)
	}
	return nil
}

func (c *Controller) callbacks() analysis.Callbacks {
	return analysis.Callbacks{
		OnStatus: c.onStatus,
		OnResult: c.onResult,
		OnError:  c.onError,
	}
}

func (c *Controller) onStatus(st analysis.JobStatus) {
	c.mu.Lock()
	if c.state != StateAnalysis {
		c.mu.Unlock()
		return
	}
	c.status = &st
	c.emitLocked()
}

func (c *Controller) onResult(raw *domain.RawAnalysis) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	c.session.SetAnalysis(raw)
	c.session.AnalysisSummary = summary.Build(c.session)
	c.status = &analysis.JobStatus{Status: analysis.StatusDone, Progress: 1}

	if err := c.repo.AddRecord(context.Background(), c.session); err != nil {
		// Keep the result in memory and stay on the analysis screen so
		// the operator can retry once persistence recovers.
		c.log.Error("record persist failed", "session_id", c.session.SessionID, "error", err)
		c.analysisErr = fmt.Sprintf("Analysis finished but the record could not be saved: %v", err)
		c.emitLocked()
		return
	}

	c.log.Info("analysis complete", "session_id", c.session.SessionID)
	c.state = StateResults
	c.resultsMode = ModeActive
	c.analysisErr = ""
	c.emitLocked()
}

func (c *Controller) onError(err error) {
	c.setAnalysisError(err)
}

func (c *Controller) setAnalysisError(err error) {
	msg := err.Error()
	if analysis.IsNetwork(err) {
		msg = "Cannot reach analysis service."
	}
	c.mu.Lock()
	if c.state != StateAnalysis {
		c.mu.Unlock()
		return
	}
	c.analysisErr = msg
	c.status = nil
	c.emitLocked()
}

// ContinueToEnd moves from active results to the end screen.
func (c *Controller) ContinueToEnd() error {
	c.mu.Lock()
	if c.state != StateResults || c.resultsMode != ModeActive {
		c.mu.Unlock()
		return &TransitionError{Action: "continue", State: c.state}
	}
	c.state = StateEnd
	c.emitLocked()
	return nil
}

// EndSession archives the completed session and returns to the ready
// screen. A persistence failure keeps the session so ending can be retried.
func (c *Controller) EndSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateEnd || c.session == nil {
		c.mu.Unlock()
		return &TransitionError{Action: "end session", State: c.state}
	}
	c.session.MarkEnded(time.Now().UTC())
	if c.session.Complete() {
		if err := c.repo.AddRecord(ctx, c.session); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("archive session: %w", err)
		}
	}
	c.log.Info("session ended", "session_id", c.session.SessionID)
	c.resetLocked()
	c.emitLocked()
	return nil
}

// Abort cancels the session from any state and returns to the ready
// screen. A completed session is still archived on the way out; the reset
// happens regardless.
func (c *Controller) Abort(ctx context.Context) error {
	c.orch.Stop()
	c.orch.Reset()

	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	var persistErr error
	if c.session != nil && c.session.Complete() {
		c.session.MarkEnded(time.Now().UTC())
		if err := c.repo.AddRecord(ctx, c.session); err != nil {
			c.log.Error("abort archive failed", "session_id", c.session.SessionID, "error", err)
			persistErr = fmt.Errorf("archive session: %w", err)
		}
	}
	c.log.Info("session aborted")
	c.resetLocked()
	c.emitLocked()
	return persistErr
}

func (c *Controller) resetLocked() {
	c.state = StateReady
	c.resultsMode = ""
	c.session = nil
	c.viewing = nil
	c.areaIdx = 0
	c.warnAdvance = false
	c.starting = false
	c.status = nil
	c.analysisErr = ""
}

// OpenHistory shows the archived-record browser from the ready screen.
func (c *Controller) OpenHistory() error {
	return c.transition("open history", StateReady, StateHistory)
}

// CloseHistory returns from the record browser to the ready screen.
func (c *Controller) CloseHistory() error {
	return c.transition("close history", StateHistory, StateReady)
}

// OpenRecord loads an archived record into the read-only results view. A
// record stored without a derived summary gets one rebuilt on the fly.
func (c *Controller) OpenRecord(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.state != StateHistory {
		c.mu.Unlock()
		return &TransitionError{Action: "open record", State: c.state}
	}
	c.mu.Unlock()

	rec, err := c.repo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.AnalysisSummary == nil && rec.Complete() {
		rec.AnalysisSummary = summary.Build(rec)
	}

	c.mu.Lock()
	if c.state != StateHistory {
		c.mu.Unlock()
		return &TransitionError{Action: "open record", State: c.state}
	}
	c.viewing = rec
	c.state = StateResults
	c.resultsMode = ModeHistory
	c.emitLocked()
	return nil
}

// BackToHistory leaves the read-only results view.
func (c *Controller) BackToHistory() error {
	c.mu.Lock()
	if c.state != StateResults || c.resultsMode != ModeHistory {
		c.mu.Unlock()
		return &TransitionError{Action: "back to history", State: c.state}
	}
	c.viewing = nil
	c.state = StateHistory
	c.emitLocked()
	return nil
}

// LoadAnnotatedImage resolves the annotated rendition for one image of a
// stored record, persists the reference, and patches any in-memory copy.
// It returns the annotated URL.
func (c *Controller) LoadAnnotatedImage(ctx context.Context, sessionID, imageID string) (string, error) {
	url := c.client.AnnotatedImageURL(imageID)
	if err := c.repo.UpdateAnnotatedURL(ctx, sessionID, imageID, url); err != nil {
		return "", err
	}

	c.mu.Lock()
	patched := false
	for _, s := range []*domain.Session{c.viewing, c.session} {
		if s == nil || s.SessionID != sessionID || s.AnalysisSummary == nil {
			continue
		}
		if p := s.AnalysisSummary.FindPrediction(imageID); p != nil {
			p.AnnotatedURL = url
			patched = true
		}
	}
	if patched {
		c.emitLocked()
	} else {
		c.mu.Unlock()
	}
	return url, nil
}

// HandleButton maps a physical button press onto the current state. Unknown
// or out-of-place presses are ignored.
func (c *Controller) HandleButton(ctx context.Context, b hardware.Button) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	var err error
	switch {
	case state == StateReady && b == hardware.Button1:
		err = c.StartSession(ctx)
	case state == StateCapture && b == hardware.Button1:
		err = c.CaptureImage(ctx)
	case state == StateCapture && b == hardware.Button2:
		err = c.AdvanceArea(false)
	default:
		return
	}
	if err != nil {
		c.log.Warn("button action failed", "button", int(b), "state", string(state), "error", err)
	}
}
