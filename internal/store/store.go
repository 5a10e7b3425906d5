// Package store persists job records and the append-only per-job event log.
// Mutations go through guarded compare-and-swap transitions so concurrent
// owners can never both win the same edge.
package store

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/config"
	"github.com/avoronova/clipline/internal/job"
)

// Filter narrows ListJobs results.
type Filter struct {
	Status job.Status
	Type   job.Type
	Limit  int
	Offset int
}

// Store is the durable table of jobs plus the event log. All transition
// methods are compare-and-swap on the job's current status and return a
// ConflictError when the job moved first.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListJobs(ctx context.Context, f Filter) ([]*job.Job, int, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	CountByStatus(ctx context.Context) (map[job.Status]int, error)

	// pending -> queued
	MarkQueued(ctx context.Context, id uuid.UUID) error
	// queued -> processing; returns the claimed job snapshot
	Claim(ctx context.Context, id uuid.UUID) (*job.Job, error)
	// processing -> completed; freezes progress at 100
	MarkCompleted(ctx context.Context, id uuid.UUID, res job.Result) error
	// processing -> failed; progress holds its last value
	MarkFailed(ctx context.Context, id uuid.UUID, stage job.Stage, msg string) error
	// any non-terminal -> cancelled, guarded on the observed status
	MarkCancelled(ctx context.Context, id uuid.UUID, from job.Status, reason string) error
	// failed -> queued; resets progress and stage, bumps retry_count
	MarkRetried(ctx context.Context, id uuid.UUID) (*job.Job, error)

	// Denormalized fields maintained while processing. Both are no-ops once
	// the job left processing, so leaked stage results never resurface.
	UpdateProgress(ctx context.Context, id uuid.UUID, stage job.Stage, progress float64) error
	UpdateResult(ctx context.Context, id uuid.UUID, res job.Result) error

	// AppendEvent assigns the next per-job sequence number.
	AppendEvent(ctx context.Context, ev *job.Event) error
	ListEvents(ctx context.Context, id uuid.UUID) ([]job.Event, error)

	Close()
}

// New selects the store backend: Postgres when DATABASE_URL is set, the
// in-memory store otherwise (dev mode).
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Info("no DATABASE_URL configured, using in-memory job store")
		return NewMemory(), nil
	}
	return NewPostgres(ctx, cfg.DatabaseURL)
}
