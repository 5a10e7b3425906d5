package job

import (
	"github.com/avoronova/clipline/internal/common"
)

// CanTransition enforces the allowed job state machine edges. The store's
// compare-and-swap updates make the check effective under concurrency: a
// transition whose expected current status lost the race fails there too.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusCancelled
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		// retry path only
		return to == StatusQueued
	default:
		// completed and cancelled are terminal
		return false
	}
}

// GuardTransition returns a ConflictError naming both states when the edge
// is illegal. Illegal transitions never silently no-op.
func GuardTransition(jobID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &common.ConflictError{JobID: jobID, From: string(from), To: string(to)}
	}
	return nil
}

// CanCancel reports whether a cancel request is legal for the status.
// Processing jobs are cancelled cooperatively at the next stage boundary.
func CanCancel(s Status) bool {
	return s == StatusPending || s == StatusQueued || s == StatusProcessing
}

// GuardRetry validates a retry request against the bound. Force bypasses the
// retry_count guard once but never revives a non-failed job.
func GuardRetry(j *Job, force bool) error {
	if j.Status != StatusFailed {
		return &common.ConflictError{
			JobID:   j.ID.String(),
			From:    string(j.Status),
			To:      string(StatusQueued),
			Message: "only failed jobs can be retried",
		}
	}
	if !force && j.RetryCount >= j.MaxRetries {
		return &common.ConflictError{
			JobID:   j.ID.String(),
			From:    string(j.Status),
			To:      string(StatusQueued),
			Message: "retry limit exhausted",
		}
	}
	return nil
}
