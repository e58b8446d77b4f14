package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"screening-console/internal/domain"
	"screening-console/internal/workflow"
)

// SessionHandler handles the active-session endpoints. Every action
// responds with the resulting workflow snapshot so the console can render
// without a follow-up fetch.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.GetSnapshot)
		r.Post("/start", h.Start)
		r.Post("/confirm-portrait", h.ConfirmPortrait)
		r.Post("/recapture", h.Recapture)
		r.Post("/profile", h.SubmitProfile)
		r.Post("/capture", h.Capture)
		r.Post("/delete-last", h.DeleteLast)
		r.Post("/delete-image", h.DeleteImage)
		r.Post("/advance", h.Advance)
		r.Post("/dismiss-warning", h.DismissWarning)
		r.Post("/retake", h.Retake)
		r.Post("/submit-analysis", h.SubmitAnalysis)
		r.Post("/resume-analysis", h.ResumeAnalysis)
		r.Post("/retry-analysis", h.RetryAnalysis)
		r.Post("/continue", h.Continue)
		r.Post("/back", h.Back)
		r.Post("/back-review", h.BackReview)
		r.Post("/end", h.End)
		r.Post("/abort", h.Abort)
		r.Post("/open-history", h.OpenHistory)
		r.Post("/close-history", h.CloseHistory)
		r.Post("/open-record", h.OpenRecord)
		r.Post("/back-history", h.BackHistory)
	})
}

// decodeBody fills v from the request body. An absent or empty body is fine;
// every action has usable defaults.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *SessionHandler) respond(w http.ResponseWriter, err error) {
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// GetSnapshot returns the current workflow snapshot.
func (h *SessionHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// Start begins a new screening session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.StartSession(r.Context()))
}

// ConfirmPortrait accepts the portrait shot.
func (h *SessionHandler) ConfirmPortrait(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.ConfirmPortrait())
}

// Recapture retakes the portrait shot.
func (h *SessionHandler) Recapture(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.RecapturePortrait(r.Context()))
}

// SubmitProfile records the patient profile.
func (h *SessionHandler) SubmitProfile(w http.ResponseWriter, r *http.Request) {
	var p domain.Profile
	if err := decodeBody(r, &p); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.respond(w, h.ctrl.SubmitProfile(p))
}

// Capture takes one image of the current area.
func (h *SessionHandler) Capture(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.CaptureImage(r.Context()))
}

// DeleteLast removes the most recent capture of the current area.
func (h *SessionHandler) DeleteLast(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.DeleteLastImage(r.Context()))
}

// DeleteImage removes a specific capture by id.
func (h *SessionHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImageID string `json:"imageId"`
	}
	if err := decodeBody(r, &body); err != nil || body.ImageID == "" {
		Error(w, http.StatusBadRequest, "imageId is required")
		return
	}
	h.respond(w, h.ctrl.DeleteImageByID(r.Context(), body.ImageID))
}

// Advance moves to the next capture area, or review after the last one.
func (h *SessionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Force bool `json:"force"`
	}
	if err := decodeBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.respond(w, h.ctrl.AdvanceArea(body.Force))
}

// DismissWarning clears the empty-area advance warning.
func (h *SessionHandler) DismissWarning(w http.ResponseWriter, r *http.Request) {
	h.ctrl.DismissAdvanceWarning()
	h.respond(w, nil)
}

// Retake returns from review to capturing a chosen area.
func (h *SessionHandler) Retake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Area domain.Area `json:"area"`
	}
	if err := decodeBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidArea(body.Area) {
		Error(w, http.StatusBadRequest, "unknown capture area")
		return
	}
	h.respond(w, h.ctrl.RetakeArea(body.Area))
}

// SubmitAnalysis sends the reviewed session off for analysis.
func (h *SessionHandler) SubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.SubmitAnalysis(r.Context()))
}

// ResumeAnalysis resumes polling a held job after a console reconnect.
func (h *SessionHandler) ResumeAnalysis(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.ResumeAnalysis(r.Context()))
}

// RetryAnalysis discards a failed job and submits a new one.
func (h *SessionHandler) RetryAnalysis(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.RetryAnalysis(r.Context()))
}

// Continue moves from active results to the end screen.
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.ContinueToEnd())
}

// Back steps one screen backwards from wherever the workflow is.
func (h *SessionHandler) Back(w http.ResponseWriter, r *http.Request) {
	snap := h.ctrl.Snapshot()
	var err error
	switch snap.State {
	case workflow.StateProfile:
		err = h.ctrl.BackToPortrait()
	case workflow.StateCapture:
		err = h.ctrl.BackToProfile()
	case workflow.StateReview:
		err = h.ctrl.BackToCapture()
	case workflow.StateResults:
		if snap.ResultsMode == workflow.ModeHistory {
			err = h.ctrl.BackToHistory()
		} else {
			err = h.ctrl.BackToReview()
		}
	case workflow.StateEnd:
		err = h.ctrl.BackToResults()
	default:
		err = &workflow.TransitionError{Action: "back", State: snap.State}
	}
	h.respond(w, err)
}

// BackReview returns from active results to review.
func (h *SessionHandler) BackReview(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.BackToReview())
}

// End archives the session and returns to the ready screen.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.EndSession(r.Context()))
}

// Abort cancels the session from any state.
func (h *SessionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.Abort(r.Context()))
}

// OpenHistory shows the archived-record browser.
func (h *SessionHandler) OpenHistory(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.OpenHistory())
}

// CloseHistory returns from the record browser to the ready screen.
func (h *SessionHandler) CloseHistory(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.CloseHistory())
}

// OpenRecord loads an archived record into the read-only results view.
func (h *SessionHandler) OpenRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &body); err != nil || body.SessionID == "" {
		Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	h.respond(w, h.ctrl.OpenRecord(r.Context(), body.SessionID))
}

// BackHistory leaves the read-only results view.
func (h *SessionHandler) BackHistory(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.ctrl.BackToHistory())
}
