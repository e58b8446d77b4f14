package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"screening-console/internal/hardware"
)

// DebugHandler exposes the hardware simulation endpoint used when no real
// capture device is attached.
type DebugHandler struct {
	*Handler
	stub *hardware.StubAdapter
}

// NewDebugHandler creates a debug handler, or nil when the adapter is not a
// stub and there is nothing to simulate.
func NewDebugHandler(base *Handler, adapter hardware.Adapter) *DebugHandler {
	stub, ok := adapter.(*hardware.StubAdapter)
	if !ok {
		return nil
	}
	return &DebugHandler{Handler: base, stub: stub}
}

// RegisterRoutes registers debug routes.
func (h *DebugHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/debug/button", h.PressButton)
}

// PressButton simulates a physical button press.
func (h *DebugHandler) PressButton(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Button int `json:"button"`
	}
	if err := decodeBody(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b := hardware.Button(body.Button)
	if b != hardware.Button1 && b != hardware.Button2 {
		Error(w, http.StatusBadRequest, "unknown button")
		return
	}
	h.stub.SimulateButton(b)
	JSON(w, http.StatusOK, map[string]string{"status": "pressed"})
}
