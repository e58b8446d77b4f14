package workflow

import (
	"fmt"
	"sort"
	"strings"

	"screening-console/internal/analysis"
	"screening-console/internal/domain"
)

// State names the screen the workflow is on. Values match the persisted
// document vocabulary of the front end.
type State string

const (
	StateReady           State = "ready"
	StateHistory         State = "history"
	StatePortraitConfirm State = "portraitConfirm"
	StateProfile         State = "profile"
	StateCapture         State = "capture"
	StateReview          State = "review"
	StateAnalysis        State = "analysis"
	StateResults         State = "results"
	StateEnd             State = "end"
)

// ResultsMode distinguishes viewing the active session from a read-only
// historical record.
type ResultsMode string

const (
	ModeActive  ResultsMode = "active"
	ModeHistory ResultsMode = "history"
)

// TransitionError reports an operator action that is not legal in the
// current state.
type TransitionError struct {
	Action string
	State  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %s not allowed in state %s", e.Action, e.State)
}

// ValidationError carries field-level profile validation messages. It never
// propagates past the profile form.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid profile: " + strings.Join(parts, "; ")
}

// Snapshot is a point-in-time view of the workflow, deep-copied so callers
// can serialize it without racing further transitions.
type Snapshot struct {
	State            State               `json:"state"`
	ResultsMode      ResultsMode         `json:"resultsMode,omitempty"`
	CurrentArea      domain.Area         `json:"currentArea,omitempty"`
	WarnAdvance      bool                `json:"warnAdvance,omitempty"`
	Session          *domain.Session     `json:"session,omitempty"`
	ViewingRecord    *domain.Session     `json:"viewingRecord,omitempty"`
	ViewingSessionID string              `json:"viewingSessionId,omitempty"`
	AnalysisStatus   *analysis.JobStatus `json:"analysisStatus,omitempty"`
	AnalysisError    string              `json:"analysisError,omitempty"`
	PreviewStreamURL string              `json:"previewStreamUrl,omitempty"`
}
