// Package pipeline defines the stage executor boundary the orchestrator
// drives jobs through, plus the media implementation of it.
package pipeline

import (
	"context"

	"github.com/avoronova/clipline/internal/job"
)

// ProgressFunc reports fractional progress (0.0-1.0) within one stage. It may
// be called any number of times, including zero.
type ProgressFunc func(fraction float64, message string)

// Executor runs one pipeline stage for a job. Implementations receive the
// job snapshot (including artifacts accumulated by earlier stages) and
// return the updated result, or an error that fails the job. Implementations
// must honor ctx: its deadline carries the per-job timeout and its
// cancellation signals a cooperative cancel request.
type Executor interface {
	RunStage(ctx context.Context, stage job.Stage, j *job.Job, onProgress ProgressFunc) (job.Result, error)
}
