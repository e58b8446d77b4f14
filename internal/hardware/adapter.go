// Package hardware abstracts the camera and button collaborator. The core
// treats these as opaque, possibly-stubbed side-effecting calls with no
// retry semantics of their own.
package hardware

import (
	"context"

	"screening-console/internal/domain"
)

// Button identifies one of the two discrete hardware buttons.
type Button int

const (
	// Button1 starts a session on the ready screen and captures an image
	// during the capture phase.
	Button1 Button = 1
	// Button2 advances to the next capture area.
	Button2 Button = 2
)

// Adapter is the capture-device boundary.
type Adapter interface {
	// StartSession allocates a new hardware session and returns its id.
	StartSession(ctx context.Context) (string, error)

	// CapturePortrait takes the portrait shot and returns its reference.
	CapturePortrait(ctx context.Context, sessionID string) (string, error)

	// CaptureImage takes one image of the given area.
	CaptureImage(ctx context.Context, sessionID string, area domain.Area) (string, error)

	// DeleteImage discards a captured image on the device side.
	DeleteImage(ctx context.Context, sessionID string, area domain.Area, imageID string) error

	// SubscribeButtons registers a button-press handler and returns its
	// unsubscribe function.
	SubscribeButtons(handler func(Button)) (unsubscribe func())

	// PreviewStreamURL returns the live camera preview reference, or ""
	// when no preview is available.
	PreviewStreamURL() string
}
