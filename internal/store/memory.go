package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
)

// Memory is the in-process Store used in dev mode and by tests. Semantics
// mirror the Postgres store exactly, including the CAS transition guards.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*job.Job
	events map[uuid.UUID][]job.Event
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[uuid.UUID]*job.Job),
		events: make(map[uuid.UUID][]job.Event),
	}
}

func (m *Memory) CreateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) ListJobs(ctx context.Context, f Filter) ([]*job.Job, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*job.Job
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Input.Type != f.Type {
			continue
		}
		all = append(all, j.Clone())
	}

	// newest first, like the Postgres ORDER BY created_at DESC
	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})

	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *Memory) DeleteJob(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return common.ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[job.Status]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// transition applies apply() iff the job exists and currently has status
// from. This is the in-memory equivalent of UPDATE ... WHERE status = $from.
func (m *Memory) transition(id uuid.UUID, from, to job.Status, apply func(*job.Job)) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	if j.Status != from {
		return nil, &common.ConflictError{JobID: id.String(), From: string(j.Status), To: string(to)}
	}
	if err := job.GuardTransition(id.String(), from, to); err != nil {
		return nil, err
	}

	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	if apply != nil {
		apply(j)
	}
	return j.Clone(), nil
}

func (m *Memory) MarkQueued(ctx context.Context, id uuid.UUID) error {
	_, err := m.transition(id, job.StatusPending, job.StatusQueued, nil)
	return err
}

func (m *Memory) Claim(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return m.transition(id, job.StatusQueued, job.StatusProcessing, func(j *job.Job) {
		now := time.Now().UTC()
		j.StartedAt = &now
		if j.Stage == "" {
			j.Stage = job.FirstStage(j.Input.Type)
		}
	})
}

func (m *Memory) MarkCompleted(ctx context.Context, id uuid.UUID, res job.Result) error {
	_, err := m.transition(id, job.StatusProcessing, job.StatusCompleted, func(j *job.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Progress = 100
		j.Result = res
		j.Error = ""
		j.FailedStage = ""
	})
	return err
}

func (m *Memory) MarkFailed(ctx context.Context, id uuid.UUID, stage job.Stage, msg string) error {
	_, err := m.transition(id, job.StatusProcessing, job.StatusFailed, func(j *job.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		j.Error = msg
		j.FailedStage = stage
	})
	return err
}

func (m *Memory) MarkCancelled(ctx context.Context, id uuid.UUID, from job.Status, reason string) error {
	_, err := m.transition(id, from, job.StatusCancelled, func(j *job.Job) {
		now := time.Now().UTC()
		j.CompletedAt = &now
		if reason != "" {
			j.Error = reason
		}
	})
	return err
}

func (m *Memory) MarkRetried(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return m.transition(id, job.StatusFailed, job.StatusQueued, func(j *job.Job) {
		j.Progress = 0
		j.Stage = job.FirstStage(j.Input.Type)
		j.RetryCount++
		j.Error = ""
		j.FailedStage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
	})
}

func (m *Memory) UpdateProgress(ctx context.Context, id uuid.UUID, stage job.Stage, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return common.ErrJobNotFound
	}
	// silently ignored outside processing, like the WHERE clause in SQL
	if j.Status != job.StatusProcessing {
		return nil
	}
	j.Stage = stage
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateResult(ctx context.Context, id uuid.UUID, res job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return common.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return nil
	}
	j.Result = res
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendEvent(ctx context.Context, ev *job.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[ev.JobID]; !ok {
		return common.ErrJobNotFound
	}
	ev.Sequence = int64(len(m.events[ev.JobID])) + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.events[ev.JobID] = append(m.events[ev.JobID], *ev)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, id uuid.UUID) ([]job.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]job.Event(nil), m.events[id]...), nil
}

func (m *Memory) Close() {}
