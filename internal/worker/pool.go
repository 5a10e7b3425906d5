// Package worker drives claimed jobs through the pipeline under a fixed
// number of concurrent slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/pipeline"
	"github.com/avoronova/clipline/internal/scheduler"
	"github.com/avoronova/clipline/internal/store"
)

// Publisher delivers job events; satisfied by the broadcaster.
type Publisher interface {
	Publish(ctx context.Context, ev job.Event) error
}

// execution tracks one in-flight job: its cooperative cancel signal and a
// done flag that quarantines leaked stage results after timeout.
type execution struct {
	cancel context.CancelFunc
	reason atomic.Pointer[string]
	done   atomic.Bool
}

// Pool is a fixed set of execution slots. Each slot pulls one job at a time
// from the scheduler, drives it through all pipeline stages sequentially,
// and releases the slot whatever the outcome.
type Pool struct {
	store   store.Store
	sched   *scheduler.Scheduler
	exec    pipeline.Executor
	pub     Publisher
	workers int
	timeout time.Duration
	weights map[job.Stage]float64

	mu     sync.Mutex
	active map[uuid.UUID]*execution
	wg     sync.WaitGroup
}

func NewPool(st store.Store, sched *scheduler.Scheduler, exec pipeline.Executor,
	pub Publisher, workers int, timeout time.Duration, weights map[job.Stage]float64) *Pool {
	if workers <= 0 {
		workers = 3
	}
	if weights == nil {
		weights = pipeline.DefaultWeights
	}
	return &Pool{
		store:   st,
		sched:   sched,
		exec:    exec,
		pub:     pub,
		workers: workers,
		timeout: timeout,
		weights: weights,
		active:  make(map[uuid.UUID]*execution),
	}
}

// Run starts the slot goroutines and returns. Stop with ctx cancellation or
// scheduler shutdown; Wait blocks until all slots exited.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("worker pool started", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i+1)
	}
}

// Wait blocks until every slot goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// RequestCancel raises the cooperative cancellation flag on a job currently
// owned by a slot. The owning worker observes it at the next stage boundary;
// the running stage is never killed mid-callback. Reports whether the job
// was in flight.
func (p *Pool) RequestCancel(id uuid.UUID, reason string) bool {
	p.mu.Lock()
	exec, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	exec.reason.Store(&reason)
	exec.cancel()
	return true
}

func (p *Pool) slot(ctx context.Context, n int) {
	defer p.wg.Done()

	for {
		id, err := p.sched.Next(ctx)
		if err != nil {
			if errors.Is(err, common.ErrQueueStopped) || errors.Is(err, context.Canceled) {
				slog.Info("worker slot stopped", "worker", n)
				return
			}
			slog.Error("failed to dequeue job", "worker", n, "err", err)
			continue
		}

		// register the execution before the claim so a cancel arriving in
		// the claim window reaches it instead of bouncing off as a conflict
		jobCtx, cancel := context.WithCancel(ctx)
		exec := &execution{cancel: cancel}
		p.mu.Lock()
		p.active[id] = exec
		p.mu.Unlock()

		j, err := p.store.Claim(ctx, id)
		if err != nil {
			p.retire(id, cancel)
			// a concurrent cancel won the race; the job never runs
			if common.IsConflict(err) {
				slog.Debug("job no longer claimable", "worker", n, "job_id", id, "err", err)
				continue
			}
			slog.Error("failed to claim job", "worker", n, "job_id", id, "err", err)
			continue
		}

		p.runGuarded(jobCtx, ctx, n, j, exec)
		p.retire(id, cancel)
	}
}

func (p *Pool) retire(id uuid.UUID, cancel context.CancelFunc) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
	cancel()
}

// runGuarded contains a single job's failures: a panic escaping the job is
// converted to a failed transition instead of taking the slot down.
func (p *Pool) runGuarded(jobCtx, ctx context.Context, n int, j *job.Job, exec *execution) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job execution", "worker", n, "job_id", j.ID, "panic", r)
			msg := fmt.Sprintf("internal error: %v", r)
			if err := p.store.MarkFailed(ctx, j.ID, j.Stage, msg); err != nil && !common.IsConflict(err) {
				slog.Error("failed to mark panicked job failed", "job_id", j.ID, "err", err)
			}
			p.publish(ctx, j.ID, job.EventError, "", j.Stage, j.Progress, msg)
			p.publish(ctx, j.ID, job.EventStatusChanged, job.StatusFailed, j.Stage, j.Progress, msg)
		}
	}()

	p.process(jobCtx, ctx, n, j, exec)
}

func (p *Pool) process(jobCtx, ctx context.Context, n int, j *job.Job, exec *execution) {
	start := time.Now()

	plan := pipeline.PlanFor(j.Input.Type, p.weights)
	deadline := start.Add(p.timeout)

	slog.Info("job started", "worker", n, "job_id", j.ID, "type", j.Input.Type,
		"priority", j.Priority, "attempt", j.RetryCount+1)
	p.publish(ctx, j.ID, job.EventStatusChanged, job.StatusProcessing, j.Stage, 0, "job started")

	lastProgress := &atomicFloat{}
	result := j.Result

	for _, stage := range plan.Stages {
		if exec.done.Load() {
			return
		}
		if jobCtx.Err() != nil {
			p.finishCancelled(ctx, exec, j, stage, lastProgress.Load())
			return
		}

		base := plan.Base(stage)
		if base > lastProgress.Load() {
			lastProgress.Store(base)
		}
		p.publish(ctx, j.ID, job.EventStageChanged, "", stage, lastProgress.Load(), "stage started")

		onProgress := func(fraction float64, message string) {
			if exec.done.Load() {
				return
			}
			overall := plan.Progress(stage, fraction)
			// monotonic while processing: never report backwards
			if overall < lastProgress.Load() {
				return
			}
			lastProgress.Store(overall)
			p.publish(ctx, j.ID, job.EventProgress, "", stage, overall, message)
		}

		out, err := p.runStage(ctx, jobCtx, deadline, exec, j, stage, result, onProgress)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrTimeout):
				p.finishFailed(ctx, exec, j, stage, err, lastProgress.Load(), start)
			case jobCtx.Err() != nil:
				// the stage aborted at its own checkpoint after a cancel
				p.finishCancelled(ctx, exec, j, stage, lastProgress.Load())
			default:
				p.finishFailed(ctx, exec, j, stage,
					&common.StageError{Stage: string(stage), Err: err}, lastProgress.Load(), start)
			}
			return
		}

		result = out
		if err := p.store.UpdateResult(ctx, j.ID, result); err != nil {
			slog.Warn("failed to persist stage result", "job_id", j.ID, "stage", stage, "err", err)
		}
		lastProgress.Store(plan.Progress(stage, 1))
		p.publish(ctx, j.ID, job.EventProgress, "", stage, lastProgress.Load(), "stage completed")
	}

	if err := p.store.MarkCompleted(ctx, j.ID, result); err != nil {
		if !common.IsConflict(err) {
			slog.Error("failed to mark job completed", "job_id", j.ID, "err", err)
		}
		return
	}
	exec.done.Store(true)
	p.publish(ctx, j.ID, job.EventStatusChanged, job.StatusCompleted,
		plan.Stages[len(plan.Stages)-1], 100, "job completed")
	slog.Info("job completed", "worker", n, "job_id", j.ID, "duration", time.Since(start))
}

type stageOutcome struct {
	result job.Result
	err    error
}

// runStage executes one stage under the job deadline. On timeout the call is
// abandoned: the goroutine's eventual result lands in a buffered channel and
// is discarded, never applied to a job already in a terminal state.
func (p *Pool) runStage(ctx, jobCtx context.Context, deadline time.Time, exec *execution,
	j *job.Job, stage job.Stage, current job.Result, onProgress pipeline.ProgressFunc) (job.Result, error) {

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return current, &common.TimeoutError{Limit: p.timeout}
	}

	stageCtx, cancel := context.WithDeadline(jobCtx, deadline)

	snapshot := j.Clone()
	snapshot.Result = current
	snapshot.Stage = stage

	outCh := make(chan stageOutcome, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				outCh <- stageOutcome{err: fmt.Errorf("stage panic: %v", r)}
			}
		}()
		res, err := p.exec.RunStage(stageCtx, stage, snapshot, onProgress)
		outCh <- stageOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case out := <-outCh:
		return out.result, out.err
	case <-timer.C:
		// quarantine before the transition so a late result can't publish
		exec.done.Store(true)
		return current, &common.TimeoutError{Limit: p.timeout}
	}
}

func (p *Pool) finishFailed(ctx context.Context, exec *execution, j *job.Job,
	stage job.Stage, cause error, progress float64, start time.Time) {
	exec.done.Store(true)
	msg := cause.Error()
	if err := p.store.MarkFailed(ctx, j.ID, stage, msg); err != nil {
		if !common.IsConflict(err) {
			slog.Error("failed to mark job failed", "job_id", j.ID, "err", err)
		}
		return
	}
	// progress holds its last value on failure
	p.publish(ctx, j.ID, job.EventError, "", stage, progress, msg)
	p.publish(ctx, j.ID, job.EventStatusChanged, job.StatusFailed, stage, progress, msg)
	slog.Error("job failed", "job_id", j.ID, "stage", stage, "err", cause, "duration", time.Since(start))
}

func (p *Pool) finishCancelled(ctx context.Context, exec *execution, j *job.Job, stage job.Stage, progress float64) {
	exec.done.Store(true)
	reason := "cancelled"
	if r := exec.reason.Load(); r != nil && *r != "" {
		reason = *r
	}
	if err := p.store.MarkCancelled(ctx, j.ID, job.StatusProcessing, reason); err != nil {
		if !common.IsConflict(err) {
			slog.Error("failed to mark job cancelled", "job_id", j.ID, "err", err)
		}
		return
	}
	p.publish(ctx, j.ID, job.EventStatusChanged, job.StatusCancelled, stage, progress, reason)
	slog.Info("job cancelled", "job_id", j.ID, "stage", stage, "reason", reason)
}

func (p *Pool) publish(ctx context.Context, id uuid.UUID, typ job.EventType,
	status job.Status, stage job.Stage, progress float64, msg string) {
	ev := job.Event{
		JobID:    id,
		Type:     typ,
		Status:   status,
		Stage:    stage,
		Progress: progress,
		Message:  msg,
	}
	if err := p.pub.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish job event", "job_id", id, "type", typ, "err", err)
	}
}

// atomicFloat holds the last reported overall progress. Stage callbacks run
// on the executor goroutine, so reads and writes can interleave with the
// slot's own bookkeeping.
type atomicFloat struct {
	mu sync.Mutex
	v  float64
}

func (a *atomicFloat) Load() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicFloat) Store(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v = v
}
