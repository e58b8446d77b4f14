// Package analysis manages the lifecycle of remote analysis jobs: the
// service client, the job orchestrator with polling, and a mock service
// used when no real analysis backend is configured.
package analysis

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"screening-console/internal/domain"

	"github.com/go-resty/resty/v2"
)

// Job status values reported by the analysis service.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// JobStatus is one poll observation of a running job.
type JobStatus struct {
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Step     string  `json:"step"`
	Error    string  `json:"error,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusFailed
}

// PayloadImage is one captured image reference in a submit payload.
type PayloadImage struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Payload is the submit request body.
type Payload struct {
	SessionID string                         `json:"sessionId"`
	Profile   domain.Profile                 `json:"profile"`
	Portrait  string                         `json:"portrait,omitempty"`
	Images    map[domain.Area][]PayloadImage `json:"images"`
}

// BuildPayload assembles the submit payload from a session.
func BuildPayload(session *domain.Session) Payload {
	images := make(map[domain.Area][]PayloadImage, len(domain.AreaOrder))
	for _, area := range domain.AreaOrder {
		items := make([]PayloadImage, 0, len(session.Images[area]))
		for _, img := range session.Images[area] {
			items = append(items, PayloadImage{ID: img.ID, URL: img.URL, CapturedAt: img.CreatedAt})
		}
		images[area] = items
	}
	return Payload{
		SessionID: session.SessionID,
		Profile:   session.Profile,
		Portrait:  session.PortraitURL,
		Images:    images,
	}
}

// Client is the analysis-service boundary. Implementations classify every
// failure as a network, business, or not-found error.
type Client interface {
	// Submit starts one analysis job and returns its id.
	Submit(ctx context.Context, sessionID string, payload Payload) (string, error)

	// Status reports the current job state.
	Status(ctx context.Context, jobID string) (JobStatus, error)

	// Result fetches the full analysis result of a completed job.
	Result(ctx context.Context, jobID string) (*domain.RawAnalysis, error)

	// AnnotatedImageURL resolves the annotated rendition of an image.
	AnnotatedImageURL(imageID string) string
}

// HTTPClient talks to a real analysis service over HTTP.
type HTTPClient struct {
	rc *resty.Client
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &HTTPClient{rc: rc}
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

// Submit posts the session payload to the analysis service.
func (c *HTTPClient) Submit(ctx context.Context, sessionID string, payload Payload) (string, error) {
	var out submitResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post(fmt.Sprintf("/api/analysis/submit/%s", sessionID))
	if err != nil {
		return "", NewNetworkError(fmt.Errorf("submit analysis: %w", err))
	}
	if err := classifyResponse(resp, "job"); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", NewBusinessError("analysis service returned no job id")
	}
	return out.JobID, nil
}

// Status polls the job state.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/analysis/status/%s", jobID))
	if err != nil {
		return JobStatus{}, NewNetworkError(fmt.Errorf("poll analysis status: %w", err))
	}
	if err := classifyResponse(resp, "job"); err != nil {
		return JobStatus{}, err
	}
	return out, nil
}

// Result fetches the raw analysis result for a completed job.
func (c *HTTPClient) Result(ctx context.Context, jobID string) (*domain.RawAnalysis, error) {
	var out domain.RawAnalysis
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/analysis/result/%s", jobID))
	if err != nil {
		return nil, NewNetworkError(fmt.Errorf("fetch analysis result: %w", err))
	}
	if err := classifyResponse(resp, "result"); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnnotatedImageURL builds the service URL for an annotated image.
func (c *HTTPClient) AnnotatedImageURL(imageID string) string {
	return fmt.Sprintf("%s/api/images/%s/annotated", c.rc.BaseURL, imageID)
}

// classifyResponse maps non-2xx responses onto the error taxonomy: 404 is a
// not-found error, anything else carries the response body as a business
// error message.
func classifyResponse(resp *resty.Response, what string) error {
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == http.StatusNotFound {
		return NewNotFoundError(what)
	}
	body := string(resp.Body())
	if body == "" {
		body = resp.Status()
	}
	return NewBusinessError(body)
}
