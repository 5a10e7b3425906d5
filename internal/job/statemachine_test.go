package job

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/common"
)

func TestCanTransition_AllowedEdges(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusQueued},
		{StatusPending, StatusCancelled},
		{StatusQueued, StatusProcessing},
		{StatusQueued, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusFailed, StatusQueued},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_ForbiddenEdges(t *testing.T) {
	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCompleted},
		{StatusQueued, StatusCompleted},
		{StatusQueued, StatusFailed},
		{StatusProcessing, StatusQueued},
		{StatusCompleted, StatusQueued},
		{StatusCompleted, StatusProcessing},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusQueued},
		{StatusCancelled, StatusProcessing},
		{StatusFailed, StatusProcessing},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusCancelled},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestGuardTransition_ReturnsConflict(t *testing.T) {
	err := GuardTransition("abc", StatusCompleted, StatusProcessing)
	if err == nil {
		t.Fatal("expected error for terminal transition")
	}
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}

	var conflict *common.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.From != string(StatusCompleted) || conflict.To != string(StatusProcessing) {
		t.Fatalf("conflict should name both states, got from=%q to=%q", conflict.From, conflict.To)
	}
}

func TestCanCancel(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusQueued, StatusProcessing} {
		if !CanCancel(s) {
			t.Errorf("expected %s to be cancellable", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if CanCancel(s) {
			t.Errorf("expected %s to not be cancellable", s)
		}
	}
}

func TestGuardRetry(t *testing.T) {
	j := &Job{ID: uuid.New(), Status: StatusFailed, RetryCount: 1, MaxRetries: 3}
	if err := GuardRetry(j, false); err != nil {
		t.Fatalf("expected retry to be allowed, got %v", err)
	}

	j.RetryCount = 3
	if err := GuardRetry(j, false); err == nil {
		t.Fatal("expected retry to be rejected at the bound")
	}
	if err := GuardRetry(j, true); err != nil {
		t.Fatalf("expected force to bypass the bound, got %v", err)
	}

	j.Status = StatusCompleted
	if err := GuardRetry(j, true); err == nil {
		t.Fatal("force must never revive a completed job")
	}
	j.Status = StatusCancelled
	if err := GuardRetry(j, true); err == nil {
		t.Fatal("force must never revive a cancelled job")
	}
	j.Status = StatusProcessing
	if err := GuardRetry(j, false); err == nil {
		t.Fatal("only failed jobs can be retried")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusQueued:     false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("Terminal(%s) = %v, want %v", s, s.Terminal(), want)
		}
	}
}
