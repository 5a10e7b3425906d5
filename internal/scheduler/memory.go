package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/common"
)

// MemoryBackend is a mutex-guarded binary heap keyed by priority descending,
// submission sequence ascending. Pop blocks on a signal channel so idle
// workers suspend instead of spinning.
type MemoryBackend struct {
	mu      sync.Mutex
	heap    entryHeap
	queued  map[uuid.UUID]bool
	nextSeq int64
	signal  chan struct{}
	closed  bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		queued: make(map[uuid.UUID]bool),
		signal: make(chan struct{}, 1),
	}
}

func (m *MemoryBackend) Push(ctx context.Context, e Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return common.ErrQueueStopped
	}
	m.nextSeq++
	e.Seq = m.nextSeq
	heap.Push(&m.heap, e)
	m.queued[e.ID] = true
	m.mu.Unlock()

	m.wake()
	return nil
}

func (m *MemoryBackend) Pop(ctx context.Context) (uuid.UUID, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return uuid.Nil, common.ErrQueueStopped
		}
		if m.heap.Len() > 0 {
			e := heap.Pop(&m.heap).(Entry)
			delete(m.queued, e.ID)
			m.mu.Unlock()
			// another entry may remain; pass the wake-up along
			m.wake()
			return e.ID, nil
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		}
	}
}

// Remove is atomic with respect to Pop: both hold the same mutex, so a
// removed entry can never also be handed to a worker.
func (m *MemoryBackend) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.queued[id] {
		return false, nil
	}
	for i := range m.heap {
		if m.heap[i].ID == id {
			heap.Remove(&m.heap, i)
			break
		}
	}
	delete(m.queued, id)
	return true, nil
}

func (m *MemoryBackend) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len(), nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// wake every blocked Pop; they observe closed and return
	close(m.signal)
	return nil
}

// wake holds the mutex so it can never send on a closed signal channel.
func (m *MemoryBackend) wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// entryHeap orders by priority descending, then Seq ascending (stable FIFO
// within a priority band).
type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, k int) bool {
	if h[i].Priority != h[k].Priority {
		return h[i].Priority > h[k].Priority
	}
	return h[i].Seq < h[k].Seq
}

func (h entryHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(Entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
