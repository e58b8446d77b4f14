package hardware

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"screening-console/internal/domain"

	"github.com/google/uuid"
)

var placeholderColors = []string{"#60a5fa", "#34d399", "#fbbf24", "#fb7185", "#a78bfa"}

// StubAdapter simulates the capture hardware: generated placeholder images,
// uuid-derived identifiers, and a button bus that can be driven from the
// debug endpoint.
type StubAdapter struct {
	mu        sync.Mutex
	listeners map[int]func(Button)
	nextID    int
	rng       *rand.Rand
}

// NewStub creates a stub adapter.
func NewStub() *StubAdapter {
	return &StubAdapter{
		listeners: make(map[int]func(Button)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StartSession allocates a new session id.
func (a *StubAdapter) StartSession(_ context.Context) (string, error) {
	return "SESSION-" + uuid.NewString()[:8], nil
}

// CapturePortrait returns a placeholder portrait image.
func (a *StubAdapter) CapturePortrait(_ context.Context, sessionID string) (string, error) {
	return a.placeholder(fmt.Sprintf("Portrait (%s)", sessionID)), nil
}

// CaptureImage returns a placeholder image for the area.
func (a *StubAdapter) CaptureImage(_ context.Context, _ string, area domain.Area) (string, error) {
	a.mu.Lock()
	n := a.rng.Intn(100)
	a.mu.Unlock()
	return a.placeholder(fmt.Sprintf("%s %d", strings.ToUpper(string(area)), n)), nil
}

// DeleteImage is a stub; the device keeps no copies.
func (a *StubAdapter) DeleteImage(_ context.Context, sessionID string, area domain.Area, imageID string) error {
	slog.Debug("stub delete image", "session_id", sessionID, "area", area, "image_id", imageID)
	return nil
}

// SubscribeButtons registers a handler for button presses.
func (a *StubAdapter) SubscribeButtons(handler func(Button)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = handler
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// PreviewStreamURL reports no live preview for the stub.
func (a *StubAdapter) PreviewStreamURL() string {
	return ""
}

// SimulateButton delivers a button press to every subscriber. Exposed for
// the debug endpoint and tests.
func (a *StubAdapter) SimulateButton(btn Button) {
	a.mu.Lock()
	handlers := make([]func(Button), 0, len(a.listeners))
	for _, h := range a.listeners {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	for _, h := range handlers {
		h(btn)
	}
}

// placeholder renders a labeled SVG stand-in for a real camera frame.
func (a *StubAdapter) placeholder(label string) string {
	a.mu.Lock()
	color := placeholderColors[a.rng.Intn(len(placeholderColors))]
	a.mu.Unlock()

	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="480" height="320" viewBox="0 0 480 320"><rect width="100%%" height="100%%" fill="%s"/><rect width="100%%" height="50" fill="rgba(0,0,0,0.35)"/><text x="50%%" y="50%%" dominant-baseline="middle" text-anchor="middle" font-family="system-ui" font-size="28" font-weight="bold" fill="white">%s</text></svg>`, color, label)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}
