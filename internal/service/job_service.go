// Package service is the API-facing orchestration layer: it validates
// submissions, owns the cancel and retry protocols, and leaves claim-time
// races to the store's guarded transitions.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/scheduler"
	"github.com/avoronova/clipline/internal/store"
)

// Canceller interrupts an in-flight execution; satisfied by the worker pool.
type Canceller interface {
	RequestCancel(id uuid.UUID, reason string) bool
}

// Publisher delivers job events; satisfied by the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, ev job.Event) error
}

type JobService struct {
	store      store.Store
	sched      *scheduler.Scheduler
	pool       Canceller
	pub        Publisher
	maxRetries int
	workers    int
}

func NewJobService(st store.Store, sched *scheduler.Scheduler, pool Canceller,
	pub Publisher, maxRetries, workers int) *JobService {
	return &JobService{
		store:      st,
		sched:      sched,
		pool:       pool,
		pub:        pub,
		maxRetries: maxRetries,
		workers:    workers,
	}
}

// Recover reconciles rows a previous process left behind. Orphaned
// processing rows lost their worker when the process died, so they become
// failed and stay retryable; queued rows go back into the ordering backend,
// which otherwise starts empty; pending rows are admitted. Runs once at
// startup.
func (s *JobService) Recover(ctx context.Context) error {
	processing, _, err := s.store.ListJobs(ctx, store.Filter{Status: job.StatusProcessing})
	if err != nil {
		return err
	}
	for _, j := range processing {
		const msg = "processing interrupted by restart"
		if err := s.store.MarkFailed(ctx, j.ID, j.Stage, msg); err != nil {
			slog.Error("failed to fail orphaned job", "job_id", j.ID, "err", err)
			continue
		}
		for _, ev := range []job.Event{
			{JobID: j.ID, Type: job.EventError, Stage: j.Stage, Progress: j.Progress, Message: msg},
			{JobID: j.ID, Type: job.EventStatusChanged, Status: job.StatusFailed,
				Stage: j.Stage, Progress: j.Progress, Message: msg},
		} {
			if err := s.pub.Publish(ctx, ev); err != nil {
				slog.Warn("failed to publish recovery event", "job_id", j.ID, "err", err)
			}
		}
		slog.Warn("orphaned processing job marked failed", "job_id", j.ID, "stage", j.Stage)
	}

	queued, _, err := s.store.ListJobs(ctx, store.Filter{Status: job.StatusQueued})
	if err != nil {
		return err
	}
	// the listing is newest first; walk backwards so the FIFO tie-break
	// survives the restart
	for i := len(queued) - 1; i >= 0; i-- {
		if err := s.sched.Enqueue(ctx, queued[i]); err != nil {
			return err
		}
	}

	pending, _, err := s.store.ListJobs(ctx, store.Filter{Status: job.StatusPending})
	if err != nil {
		return err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if err := s.sched.Submit(ctx, pending[i]); err != nil {
			slog.Error("failed to admit recovered pending job", "job_id", pending[i].ID, "err", err)
		}
	}

	if n := len(processing) + len(queued) + len(pending); n > 0 {
		slog.Info("job recovery complete",
			"failed", len(processing),
			"requeued", len(queued),
			"admitted", len(pending))
	}
	return nil
}

type CreateJobRequest struct {
	Input    job.Input
	Priority int
}

// CreateJob validates the submission, persists a pending job and admits it
// to the queue. Rejected inputs never get an id.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	if errs := job.ValidateInput(req.Input, req.Priority); len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:         uuid.New(),
		Status:     job.StatusPending,
		Priority:   req.Priority,
		Input:      req.Input,
		MaxRetries: s.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.sched.Submit(ctx, j); err != nil {
		return nil, err
	}

	slog.Info("job created",
		"job_id", j.ID,
		"type", j.Input.Type,
		"priority", j.Priority)

	return s.store.GetJob(ctx, j.ID)
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, f store.Filter) ([]*job.Job, int, error) {
	return s.store.ListJobs(ctx, f)
}

func (s *JobService) ListEvents(ctx context.Context, id uuid.UUID) ([]job.Event, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// CancelJob applies the cancel protocol for the job's current status:
// pending and queued jobs are cancelled directly (queued ones leave the
// queue first so no worker can claim them), processing jobs get a
// cooperative interrupt honored at the next stage boundary, terminal jobs
// are a conflict.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID, reason string) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	switch j.Status {
	case job.StatusPending:
		if err := s.cancelDirect(ctx, j, job.StatusPending, reason); err != nil {
			return nil, err
		}

	case job.StatusQueued:
		removed, err := s.sched.Remove(ctx, id)
		if err != nil {
			return nil, err
		}
		if !removed {
			// a worker claimed it between our read and the remove
			return s.cancelProcessing(ctx, id, reason)
		}
		if err := s.cancelDirect(ctx, j, job.StatusQueued, reason); err != nil {
			return nil, err
		}

	case job.StatusProcessing:
		return s.cancelProcessing(ctx, id, reason)

	default:
		return nil, &common.ConflictError{
			JobID:   id.String(),
			From:    string(j.Status),
			To:      string(job.StatusCancelled),
			Message: "job already finished",
		}
	}

	return s.store.GetJob(ctx, id)
}

func (s *JobService) cancelDirect(ctx context.Context, j *job.Job, from job.Status, reason string) error {
	if err := s.store.MarkCancelled(ctx, j.ID, from, reason); err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, job.Event{
		JobID:    j.ID,
		Type:     job.EventStatusChanged,
		Status:   job.StatusCancelled,
		Stage:    j.Stage,
		Progress: j.Progress,
		Message:  reason,
	}); err != nil {
		slog.Warn("failed to publish cancelled event", "job_id", j.ID, "err", err)
	}
	slog.Info("job cancelled", "job_id", j.ID, "was", from)
	return nil
}

func (s *JobService) cancelProcessing(ctx context.Context, id uuid.UUID, reason string) (*job.Job, error) {
	if !s.pool.RequestCancel(id, reason) {
		// execution finished while the request was in flight; report the
		// outcome the caller raced against
		j, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &common.ConflictError{
			JobID:   id.String(),
			From:    string(j.Status),
			To:      string(job.StatusCancelled),
			Message: "job already finished",
		}
	}
	slog.Info("job cancellation requested", "job_id", id)
	return s.store.GetJob(ctx, id)
}

// RetryJob re-queues a failed job. The retry bound is enforced unless force
// is set; force bypasses the bound once, it never revives completed or
// cancelled jobs.
func (s *JobService) RetryJob(ctx context.Context, id uuid.UUID, force bool) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := job.GuardRetry(j, force); err != nil {
		return nil, err
	}

	retried, err := s.store.MarkRetried(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.pub.Publish(ctx, job.Event{
		JobID:   id,
		Type:    job.EventStatusChanged,
		Status:  job.StatusQueued,
		Message: "job re-queued for retry",
	}); err != nil {
		slog.Warn("failed to publish retry event", "job_id", id, "err", err)
	}

	if err := s.sched.Enqueue(ctx, retried); err != nil {
		return nil, err
	}

	slog.Info("job retried",
		"job_id", id,
		"retry_count", retried.RetryCount,
		"forced", force)

	return retried, nil
}

// DeleteJob removes a terminal job and its event log. Active jobs must be
// cancelled first.
func (s *JobService) DeleteJob(ctx context.Context, id uuid.UUID) error {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return &common.ConflictError{
			JobID:   id.String(),
			From:    string(j.Status),
			To:      "deleted",
			Message: "only finished jobs can be deleted",
		}
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	slog.Info("job deleted", "job_id", id)
	return nil
}

// QueueStatus is a point-in-time gauge of the system.
type QueueStatus struct {
	QueueDepth int                `json:"queue_depth"`
	Workers    int                `json:"workers"`
	Counts     map[job.Status]int `json:"counts"`
}

func (s *JobService) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		QueueDepth: s.sched.Len(ctx),
		Workers:    s.workers,
		Counts:     counts,
	}, nil
}

// Statistics aggregates the job table for dashboards.
type Statistics struct {
	Total       int                `json:"total"`
	Active      int                `json:"active"`
	Counts      map[job.Status]int `json:"counts"`
	SuccessRate float64            `json:"success_rate"`
}

func (s *JobService) Statistics(ctx context.Context) (*Statistics, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Statistics{Counts: counts}
	for _, n := range counts {
		st.Total += n
	}
	st.Active = counts[job.StatusPending] + counts[job.StatusQueued] + counts[job.StatusProcessing]
	if finished := counts[job.StatusCompleted] + counts[job.StatusFailed]; finished > 0 {
		st.SuccessRate = float64(counts[job.StatusCompleted]) / float64(finished)
	}
	return st, nil
}

// ClearQueue cancels every job still waiting in the queue. Processing jobs
// are untouched; those are cancelled individually.
func (s *JobService) ClearQueue(ctx context.Context, reason string) (int, error) {
	if reason == "" {
		reason = "queue cleared"
	}
	queued, _, err := s.store.ListJobs(ctx, store.Filter{Status: job.StatusQueued})
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, j := range queued {
		if _, err := s.sched.Remove(ctx, j.ID); err != nil {
			return cleared, err
		}
		// the CAS settles the race with a worker that claimed it first
		if err := s.cancelDirect(ctx, j, job.StatusQueued, reason); err != nil {
			if common.IsConflict(err) {
				continue
			}
			return cleared, err
		}
		cleared++
	}
	slog.Info("queue cleared", "cancelled", cleared)
	return cleared, nil
}
