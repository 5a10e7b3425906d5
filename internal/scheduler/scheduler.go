// Package scheduler admits jobs and orders them by priority then arrival.
// Workers block in Next until a job is eligible; cancellation removes queued
// entries atomically with respect to concurrent Next calls.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/store"
)

// Entry is one queued job reference. Seq is a monotonic tie-break so equal
// priorities dequeue in submission order.
type Entry struct {
	ID       uuid.UUID
	Priority int
	Seq      int64
}

// Backend is the ordering structure behind the scheduler. The in-memory
// backend is the single-process contract; the Redis backend is the
// distributed alternate of the same interface.
type Backend interface {
	Push(ctx context.Context, e Entry) error
	// Pop blocks until an entry is available, the context is done, or the
	// backend is closed.
	Pop(ctx context.Context) (uuid.UUID, error)
	// Remove atomically takes a queued entry out of the ordering structure.
	// It reports whether the entry was still queued.
	Remove(ctx context.Context, id uuid.UUID) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Publisher delivers job events; satisfied by the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, ev job.Event) error
}

// Scheduler pairs the ordering backend with the job store so admission is a
// guarded pending -> queued transition.
type Scheduler struct {
	store   store.Store
	backend Backend
	pub     Publisher
}

func New(st store.Store, backend Backend, pub Publisher) *Scheduler {
	return &Scheduler{store: st, backend: backend, pub: pub}
}

// Submit admits a pending job: moves it to queued and inserts it into the
// ordering structure. A job that already left pending is a conflict.
func (s *Scheduler) Submit(ctx context.Context, j *job.Job) error {
	if err := s.store.MarkQueued(ctx, j.ID); err != nil {
		return err
	}

	if err := s.pub.Publish(ctx, job.Event{
		JobID:    j.ID,
		Type:     job.EventStatusChanged,
		Status:   job.StatusQueued,
		Stage:    j.Stage,
		Progress: j.Progress,
		Message:  "job queued",
	}); err != nil {
		slog.Warn("failed to publish queued event", "job_id", j.ID, "err", err)
	}

	return s.push(ctx, j)
}

// Enqueue re-inserts an already-queued job (the retry path; the failed ->
// queued transition happened in the store first).
func (s *Scheduler) Enqueue(ctx context.Context, j *job.Job) error {
	return s.push(ctx, j)
}

// push hands the entry to the backend. A row must never stay queued with no
// entry behind it, so a failed push parks the job in cancelled: terminal,
// deletable, and the caller gets the error to surface.
func (s *Scheduler) push(ctx context.Context, j *job.Job) error {
	err := s.backend.Push(ctx, Entry{ID: j.ID, Priority: j.Priority})
	if err == nil {
		return nil
	}

	reason := "failed to enqueue: " + err.Error()
	if cerr := s.store.MarkCancelled(ctx, j.ID, job.StatusQueued, reason); cerr != nil {
		slog.Error("failed to park unenqueued job", "job_id", j.ID, "err", cerr)
	} else if perr := s.pub.Publish(ctx, job.Event{
		JobID:   j.ID,
		Type:    job.EventStatusChanged,
		Status:  job.StatusCancelled,
		Stage:   j.Stage,
		Message: reason,
	}); perr != nil {
		slog.Warn("failed to publish parked event", "job_id", j.ID, "err", perr)
	}
	return err
}

// Next returns the id of the highest-priority, oldest-queued job, blocking
// until one exists. Returns common.ErrQueueStopped after Stop.
func (s *Scheduler) Next(ctx context.Context) (uuid.UUID, error) {
	return s.backend.Pop(ctx)
}

// Remove takes a queued job out of the queue before any worker claims it.
// A job never reaches a worker after Remove returned true.
func (s *Scheduler) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.backend.Remove(ctx, id)
}

func (s *Scheduler) Len(ctx context.Context) int {
	n, err := s.backend.Len(ctx)
	if err != nil {
		slog.Warn("failed to read queue length", "err", err)
		return 0
	}
	return n
}

func (s *Scheduler) Stop() {
	if err := s.backend.Close(); err != nil {
		slog.Warn("failed to close queue backend", "err", err)
	}
}

// NewBackend selects the queue backend from config.
func NewBackend(backend string, redisURL string, pollInterval time.Duration) (Backend, error) {
	switch backend {
	case "redis":
		return NewRedisBackend(redisURL, "clipline:queue", pollInterval)
	default:
		return NewMemoryBackend(), nil
	}
}
