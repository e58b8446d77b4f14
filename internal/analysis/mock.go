package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"screening-console/internal/domain"

	"github.com/google/uuid"
)

// Pipeline step labels reported while a job runs.
const (
	StepDetect    = "Detecting skin regions"
	StepAnalyze   = "Analyzing visual patterns"
	StepAggregate = "Aggregating results"
)

type mockJob struct {
	submittedAt time.Time
	result      *domain.RawAnalysis
}

// MockClient simulates the analysis service in memory. Jobs advance through
// the pipeline steps on a fixed schedule, and results are synthesized from
// the submitted payload.
type MockClient struct {
	mu        sync.Mutex
	jobs      map[string]*mockJob
	rng       *rand.Rand
	stageUnit time.Duration
	now       func() time.Time
}

// NewMockClient creates a mock service with the default stage schedule.
func NewMockClient() *MockClient {
	return &MockClient{
		jobs:      make(map[string]*mockJob),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stageUnit: 300 * time.Millisecond,
		now:       time.Now,
	}
}

// NewMockClientWithSchedule creates a mock service whose stages advance
// every stageUnit. Used by tests to run jobs quickly.
func NewMockClientWithSchedule(stageUnit time.Duration, seed int64) *MockClient {
	return &MockClient{
		jobs:      make(map[string]*mockJob),
		rng:       rand.New(rand.NewSource(seed)),
		stageUnit: stageUnit,
		now:       time.Now,
	}
}

// Submit registers a new mock job and synthesizes its eventual result.
func (m *MockClient) Submit(_ context.Context, _ string, payload Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobID := "MOCK-" + uuid.NewString()[:8]
	m.jobs[jobID] = &mockJob{
		submittedAt: m.now(),
		result:      m.synthesizeResult(payload),
	}
	return jobID, nil
}

// Status reports the job state for its elapsed age.
func (m *MockClient) Status(_ context.Context, jobID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return JobStatus{}, NewNotFoundError("job")
	}

	elapsed := m.now().Sub(job.submittedAt)
	switch {
	case elapsed < m.stageUnit:
		return JobStatus{Status: StatusQueued, Progress: 0, Step: StepDetect}, nil
	case elapsed < 3*m.stageUnit:
		return JobStatus{Status: StatusRunning, Progress: 0.25, Step: StepDetect}, nil
	case elapsed < 6*m.stageUnit:
		return JobStatus{Status: StatusRunning, Progress: 0.6, Step: StepAnalyze}, nil
	case elapsed < 8*m.stageUnit:
		return JobStatus{Status: StatusRunning, Progress: 0.9, Step: StepAggregate}, nil
	default:
		return JobStatus{Status: StatusDone, Progress: 1, Step: StepAggregate}, nil
	}
}

// Result returns the synthesized analysis once the job is done.
func (m *MockClient) Result(ctx context.Context, jobID string) (*domain.RawAnalysis, error) {
	status, err := m.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status.Status != StatusDone {
		return nil, NewBusinessError("result not ready")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].result, nil
}

// AnnotatedImageURL returns a placeholder SVG marking the image as annotated.
func (m *MockClient) AnnotatedImageURL(imageID string) string {
	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="480" height="320" viewBox="0 0 480 320"><rect width="100%%" height="100%%" fill="#e5e7eb"/><text x="50%%" y="50%%" dominant-baseline="middle" text-anchor="middle" font-family="system-ui" font-size="24" fill="#374151">Annotated %s</text><circle cx="240" cy="160" r="60" fill="none" stroke="#ef4444" stroke-width="4"/></svg>`, imageID)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

func (m *MockClient) randomClass() domain.Class {
	roll := m.rng.Float64()
	switch {
	case roll < 0.65:
		return domain.ClassNormal
	case roll < 0.88:
		return domain.ClassRash
	default:
		return domain.ClassSkinCancer
	}
}

func (m *MockClient) synthesizeResult(payload Payload) *domain.RawAnalysis {
	predictions := []domain.RawPrediction{}
	for _, area := range domain.AreaOrder {
		for _, img := range payload.Images[area] {
			conf := 0.55 + m.rng.Float64()*0.4
			predictions = append(predictions, domain.RawPrediction{
				ImageID:        img.ID,
				Area:           area,
				PredictedClass: m.randomClass(),
				Confidence:     &conf,
				CapturedAt:     img.CapturedAt.Format(time.RFC3339),
				ImageURL:       img.URL,
			})
		}
	}

	counts := map[domain.Class]int{}
	for _, p := range predictions {
		counts[p.PredictedClass]++
	}
	primary := domain.ClassNormal
	for _, cls := range domain.ClassOrder {
		if counts[cls] > counts[primary] {
			primary = cls
		}
	}

	level := domain.LevelGreen
	summaryText := "No concerning patterns identified."
	switch primary {
	case domain.ClassSkinCancer:
		level = domain.LevelRed
		summaryText = "Priority follow-up suggested based on captured patterns."
	case domain.ClassRash:
		level = domain.LevelYellow
		summaryText = "Review recommended; patterns observed."
	}

	consistency := 70 + m.rng.Float64()*25

	return &domain.RawAnalysis{
		Overall: &domain.RawOverall{
			Level:                level,
			Summary:              summaryText,
			Consistency:          &consistency,
			PrimaryDetectedClass: primary,
		},
		Predictions: predictions,
		Meta: &domain.RawMeta{
			ModelVersion: "mock-1.0",
			Timestamp:    m.now().UTC().Format(time.RFC3339),
		},
	}
}
