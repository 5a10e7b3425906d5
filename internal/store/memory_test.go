package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/avoronova/clipline/internal/common"
	"github.com/avoronova/clipline/internal/job"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:       uuid.New(),
		Status:   job.StatusPending,
		Priority: 5,
		Input: job.Input{
			SourceURL: "https://youtube.com/watch?v=abc",
			Type:      job.TypeFullProcessing,
		},
		MaxRetries: 3,
	}
}

func TestMemory_Lifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()

	require.NoError(t, m.CreateJob(ctx, j))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusPending, got.Status)

	require.NoError(t, m.MarkQueued(ctx, j.ID))

	claimed, err := m.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	require.Equal(t, job.StageDownloading, claimed.Stage)

	require.NoError(t, m.MarkCompleted(ctx, j.ID, job.Result{VideoTitle: "t"}))

	got, err = m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Equal(t, float64(100), got.Progress)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, "t", got.Result.VideoTitle)
}

func TestMemory_DoubleClaimConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()
	require.NoError(t, m.CreateJob(ctx, j))
	require.NoError(t, m.MarkQueued(ctx, j.ID))

	_, err := m.Claim(ctx, j.ID)
	require.NoError(t, err)

	_, err = m.Claim(ctx, j.ID)
	require.True(t, common.IsConflict(err), "second claim must conflict, got %v", err)
}

func TestMemory_CancelGuardedOnObservedStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()
	require.NoError(t, m.CreateJob(ctx, j))
	require.NoError(t, m.MarkQueued(ctx, j.ID))

	// caller observed pending, but the job moved on: CAS must fail
	err := m.MarkCancelled(ctx, j.ID, job.StatusPending, "changed my mind")
	require.True(t, common.IsConflict(err))

	require.NoError(t, m.MarkCancelled(ctx, j.ID, job.StatusQueued, "changed my mind"))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Equal(t, "changed my mind", got.Error)
}

func TestMemory_RetryResetsJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()
	require.NoError(t, m.CreateJob(ctx, j))
	require.NoError(t, m.MarkQueued(ctx, j.ID))
	_, err := m.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, m.UpdateProgress(ctx, j.ID, job.StageTranscribing, 55))
	require.NoError(t, m.MarkFailed(ctx, j.ID, job.StageTranscribing, "whisper crashed"))

	failed, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, failed.Status)
	require.Equal(t, float64(55), failed.Progress, "progress holds its last value on failure")
	require.Equal(t, job.StageTranscribing, failed.FailedStage)

	retried, err := m.MarkRetried(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusQueued, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Zero(t, retried.Progress)
	require.Empty(t, retried.Error)
	require.Nil(t, retried.StartedAt)
}

func TestMemory_UpdateProgressIgnoredOutsideProcessing(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()
	require.NoError(t, m.CreateJob(ctx, j))
	require.NoError(t, m.MarkQueued(ctx, j.ID))
	_, err := m.Claim(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted(ctx, j.ID, job.Result{}))

	// a leaked progress report from an abandoned stage
	require.NoError(t, m.UpdateProgress(ctx, j.ID, job.StageAnalyzing, 42))
	require.NoError(t, m.UpdateResult(ctx, j.ID, job.Result{VideoTitle: "stale"}))

	got, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, float64(100), got.Progress, "terminal progress must not move")
	require.Empty(t, got.Result.VideoTitle, "terminal result must not change")
}

func TestMemory_EventSequencePerJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j1, j2 := newTestJob(), newTestJob()
	require.NoError(t, m.CreateJob(ctx, j1))
	require.NoError(t, m.CreateJob(ctx, j2))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendEvent(ctx, &job.Event{JobID: j1.ID, Type: job.EventProgress}))
	}
	require.NoError(t, m.AppendEvent(ctx, &job.Event{JobID: j2.ID, Type: job.EventProgress}))

	events, err := m.ListEvents(ctx, j1.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Sequence, "sequence must be dense and strictly increasing")
		require.False(t, ev.Timestamp.IsZero())
	}

	events, err = m.ListEvents(ctx, j2.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(1), events[0].Sequence, "sequences are per job")
}

func TestMemory_ListJobsFilterAndPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		j := newTestJob()
		require.NoError(t, m.CreateJob(ctx, j))
		if i < 2 {
			require.NoError(t, m.MarkQueued(ctx, j.ID))
		}
	}

	jobs, total, err := m.ListJobs(ctx, Filter{Status: job.StatusQueued})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, jobs, 2)

	jobs, total, err = m.ListJobs(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, jobs, 1)

	_, err = m.GetJob(ctx, uuid.New())
	require.True(t, common.IsNotFound(err))
}

func TestMemory_DeleteJobRemovesEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := newTestJob()
	require.NoError(t, m.CreateJob(ctx, j))
	require.NoError(t, m.AppendEvent(ctx, &job.Event{JobID: j.ID, Type: job.EventMessage}))

	require.NoError(t, m.DeleteJob(ctx, j.ID))
	require.True(t, common.IsNotFound(m.DeleteJob(ctx, j.ID)))

	events, err := m.ListEvents(ctx, j.ID)
	require.NoError(t, err)
	require.Empty(t, events)
}
