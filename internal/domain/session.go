// Package domain contains core domain types for the screening console.
package domain

import (
	"time"
)

// Area is one of the two anatomical capture regions.
type Area string

const (
	AreaFace Area = "face"
	AreaArm  Area = "arm"
)

// AreaOrder is the capture order the workflow walks through.
var AreaOrder = []Area{AreaFace, AreaArm}

// ValidArea reports whether a is a known capture area.
func ValidArea(a Area) bool {
	return a == AreaFace || a == AreaArm
}

// Profile holds patient details recorded during the profile step.
type Profile struct {
	Name    string `json:"name"`
	Age     int    `json:"age"`
	Gender  string `json:"gender,omitempty"`
	History string `json:"history,omitempty"`
}

// ImageCapture is a single captured image belonging to an area.
type ImageCapture struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the in-memory representation of one active screening session.
// All mutation goes through the methods below; the workflow controller is
// the only caller.
type Session struct {
	SessionID        string                  `json:"sessionId"`
	SessionStartedAt time.Time               `json:"sessionStartedAt"`
	SessionEndedAt   *time.Time              `json:"sessionEndedAt,omitempty"`
	PortraitURL      string                  `json:"portraitUrl,omitempty"`
	Profile          Profile                 `json:"profile"`
	Images           map[Area][]ImageCapture `json:"images"`
	Analysis         *RawAnalysis            `json:"analysis,omitempty"`
	AnalysisSummary  *AnalysisSummary        `json:"analysisSummary,omitempty"`
}

// NewSession creates a session with empty image sequences for every area.
func NewSession(sessionID string, startedAt time.Time) *Session {
	return &Session{
		SessionID:        sessionID,
		SessionStartedAt: startedAt,
		Images: map[Area][]ImageCapture{
			AreaFace: {},
			AreaArm:  {},
		},
	}
}

// SetPortrait replaces the portrait reference. Recapture is idempotent.
func (s *Session) SetPortrait(url string) {
	s.PortraitURL = url
}

// UpdateProfile replaces the patient profile.
func (s *Session) UpdateProfile(p Profile) {
	s.Profile = p
}

// AddImage appends a captured image to an area's ordered sequence.
func (s *Session) AddImage(area Area, img ImageCapture) {
	s.Images[area] = append(s.Images[area], img)
}

// DeleteLastImage removes and returns the most recently captured image for
// an area, or nil if the sequence is empty.
func (s *Session) DeleteLastImage(area Area) *ImageCapture {
	imgs := s.Images[area]
	if len(imgs) == 0 {
		return nil
	}
	removed := imgs[len(imgs)-1]
	s.Images[area] = imgs[:len(imgs)-1]
	return &removed
}

// DeleteImageByID removes a specific image from an area. Returns the removed
// image, or nil if no image with that id exists.
func (s *Session) DeleteImageByID(area Area, imageID string) *ImageCapture {
	imgs := s.Images[area]
	for i, img := range imgs {
		if img.ID == imageID {
			s.Images[area] = append(imgs[:i:i], imgs[i+1:]...)
			return &img
		}
	}
	return nil
}

// ImageCount returns the number of captured images for an area.
func (s *Session) ImageCount(area Area) int {
	return len(s.Images[area])
}

// TotalImages returns the number of captured images across all areas.
func (s *Session) TotalImages() int {
	total := 0
	for _, imgs := range s.Images {
		total += len(imgs)
	}
	return total
}

// SetAnalysis attaches the raw analysis result. A session is considered
// complete once this is set. Any previously derived summary is invalidated.
func (s *Session) SetAnalysis(raw *RawAnalysis) {
	s.Analysis = raw
	s.AnalysisSummary = nil
}

// Complete reports whether an analysis result has been attached.
func (s *Session) Complete() bool {
	return s.Analysis != nil
}

// MarkEnded sets the end timestamp. It is set exactly once, on archival;
// later calls are no-ops.
func (s *Session) MarkEnded(at time.Time) {
	if s.SessionEndedAt != nil {
		return
	}
	s.SessionEndedAt = &at
}
