package job

import (
	"time"

	uuid "github.com/google/uuid"
)

// EventType classifies entries in the per-job event log.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventProgress      EventType = "progress"
	EventStageChanged  EventType = "stage_changed"
	EventMessage       EventType = "message"
	EventError         EventType = "error"

	// EventInitialStatus is synthesized for a newly-connected subscriber and
	// never persisted to the event log.
	EventInitialStatus EventType = "initial_status"
)

// Event is an immutable, sequenced record of a job state or progress change.
// Sequence is strictly increasing per job and assigned by the event log.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the denormalized view replay produces and the broadcaster
// synthesizes for late subscribers.
type Snapshot struct {
	Status   Status
	Stage    Stage
	Progress float64
}

// Replay folds a job's event sequence into its current status, stage and
// progress. Events must be supplied in sequence order.
func Replay(events []Event) Snapshot {
	var s Snapshot
	s.Status = StatusPending
	for _, ev := range events {
		switch ev.Type {
		case EventStatusChanged:
			s.Status = ev.Status
			if ev.Stage != "" {
				s.Stage = ev.Stage
			}
			s.Progress = ev.Progress
		case EventStageChanged:
			s.Stage = ev.Stage
			s.Progress = ev.Progress
		case EventProgress:
			s.Stage = ev.Stage
			s.Progress = ev.Progress
		case EventError:
			if ev.Stage != "" {
				s.Stage = ev.Stage
			}
		}
	}
	return s
}
