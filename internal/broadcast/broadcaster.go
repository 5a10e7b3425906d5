// Package broadcast distributes job events to live subscribers and persists
// them to the event log. Publish never blocks on a slow subscriber.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/store"
)

const defaultBuffer = 32

// Subscription is one listener's view of a job's event stream. Events arrive
// on C in non-decreasing sequence order, starting with a synthesized
// initial_status snapshot. C is closed on Unsubscribe.
type Subscription struct {
	C chan job.Event

	b     *Broadcaster
	jobID uuid.UUID
	once  sync.Once
}

// Unsubscribe detaches the listener. Safe to call more than once and after
// the subscriber's context ended.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.drop(s.jobID, s)
	})
}

// Broadcaster fans job events out to per-job subscriber sets and appends
// every published event to the store's event log.
type Broadcaster struct {
	store  store.Store
	buffer int

	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

func New(st store.Store, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		store:  st,
		buffer: buffer,
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Publish appends the event to the event log (assigning its sequence),
// refreshes the denormalized job row for progress events, and delivers to
// every current subscriber. Delivery is best-effort: a full subscriber
// buffer loses its oldest event rather than stalling the publisher.
func (b *Broadcaster) Publish(ctx context.Context, ev job.Event) error {
	if err := b.store.AppendEvent(ctx, &ev); err != nil {
		return err
	}

	if ev.Type == job.EventProgress || ev.Type == job.EventStageChanged {
		if err := b.store.UpdateProgress(ctx, ev.JobID, ev.Stage, ev.Progress); err != nil {
			slog.Warn("failed to update job progress", "job_id", ev.JobID, "err", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.JobID] {
		deliver(sub.C, ev)
	}
	return nil
}

// Subscribe registers a listener for one job. The listener first receives an
// initial_status snapshot of the job's current state, then live events. The
// subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context, jobID uuid.UUID) (*Subscription, error) {
	// the snapshot read, its enqueue and the registration all happen under
	// the lock Publish fans out under: an event published after the snapshot
	// was read is always delivered, so a late joiner cannot miss a terminal
	// event in the gap
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		C:     make(chan job.Event, b.buffer),
		b:     b,
		jobID: jobID,
	}

	sub.C <- job.Event{
		JobID:     jobID,
		Type:      job.EventInitialStatus,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		Message:   j.Error,
		Timestamp: time.Now().UTC(),
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*Subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return sub, nil
}

// SubscriberCount reports the number of live subscriptions across all jobs.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Broadcaster) drop(jobID uuid.UUID, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[jobID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
	close(sub.C)
}

// deliver is drop-oldest: when the buffer is full the subscriber loses its
// stalest event so the newest state always lands. Never blocks.
func deliver(ch chan job.Event, ev job.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
