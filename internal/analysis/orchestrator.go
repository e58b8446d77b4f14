package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"screening-console/internal/domain"
)

// Callbacks delivers orchestrator events. OnStatus fires on every observed
// non-terminal status, OnResult exactly once when a job completes, OnError
// on the first unrecoverable failure. Callbacks are invoked from the polling
// goroutine; the workflow serializes them against operator actions.
type Callbacks struct {
	OnStatus func(JobStatus)
	OnResult func(*domain.RawAnalysis)
	OnError  func(error)
}

// Orchestrator owns at most one outstanding analysis job per session. It
// submits, polls on a fixed interval until a terminal status, fetches the
// result exactly once, and can be stopped or reset at any time. Stopping is
// idempotent; starting always stops any previous polling loop first, so at
// most one poll is ever outstanding.
type Orchestrator struct {
	client   Client
	interval time.Duration

	mu        sync.Mutex
	sessionID string
	jobID     string
	cancel    context.CancelFunc
}

// NewOrchestrator creates an orchestrator polling at the given interval.
func NewOrchestrator(client Client, interval time.Duration) *Orchestrator {
	return &Orchestrator{client: client, interval: interval}
}

// JobID returns the currently held job id, or "".
func (o *Orchestrator) JobID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobID
}

// Start begins or resumes the analysis job for a session. If a job id is
// already held for this session, no resubmission happens; polling simply
// resumes. Otherwise the payload is submitted and polling begins.
func (o *Orchestrator) Start(ctx context.Context, payload Payload, cb Callbacks) error {
	o.mu.Lock()

	// One polling loop at a time.
	o.stopLocked()

	if o.jobID == "" || o.sessionID != payload.SessionID {
		o.mu.Unlock()
		jobID, err := o.client.Submit(ctx, payload.SessionID, payload)
		if err != nil {
			return err
		}
		o.mu.Lock()
		o.sessionID = payload.SessionID
		o.jobID = jobID
		slog.Info("analysis job submitted", "session_id", payload.SessionID, "job_id", jobID)
	} else {
		slog.Info("resuming analysis polling", "session_id", o.sessionID, "job_id", o.jobID)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	jobID := o.jobID
	o.mu.Unlock()

	go o.poll(pollCtx, jobID, cb)
	return nil
}

// Stop cancels any pending poll. Safe to call repeatedly.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
}

// Reset stops polling and forgets the held job, so the next Start
// resubmits. Used by the retry action.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
	o.jobID = ""
	o.sessionID = ""
}

func (o *Orchestrator) stopLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) poll(ctx context.Context, jobID string, cb Callbacks) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := o.client.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(cb, err)
			return
		}

		switch status.Status {
		case StatusDone:
			result, err := o.client.Result(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.fail(cb, err)
				return
			}
			o.Stop()
			slog.Info("analysis job complete", "job_id", jobID)
			if cb.OnResult != nil {
				cb.OnResult(result)
			}
			return
		case StatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "analysis failed"
			}
			o.fail(cb, NewBusinessError(msg))
			return
		default:
			if cb.OnStatus != nil {
				cb.OnStatus(status)
			}
		}
	}
}

func (o *Orchestrator) fail(cb Callbacks, err error) {
	o.Stop()
	slog.Warn("analysis job failed", "error", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
