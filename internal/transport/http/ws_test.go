package http

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avoronova/clipline/internal/job"
)

func wsDial(t *testing.T, httpURL, path, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsRead(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func createQueuedJob(t *testing.T, f *fixture) job.Job {
	t.Helper()
	resp := doJSON(t, "POST", f.srv.URL+"/v1/jobs", f.token, map[string]any{
		"source_url": "https://youtu.be/abc",
		"priority":   5,
	})
	var created job.Job
	decode(t, resp, &created)
	return created
}

func TestWebSocket_SnapshotThenLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := createQueuedJob(t, f)

	conn := wsDial(t, f.srv.URL, "/v1/jobs/"+created.ID.String()+"/ws", f.token)

	first := wsRead(t, conn)
	if first.Type != "initial_status" {
		t.Fatalf("first message must be initial_status, got %q", first.Type)
	}
	if first.Data.Status != job.StatusQueued {
		t.Fatalf("snapshot must carry current status, got %s", first.Data.Status)
	}
	if first.Data.JobID != created.ID.String() {
		t.Fatalf("snapshot job_id mismatch: %s", first.Data.JobID)
	}

	// simulate the worker advancing the job
	if _, err := f.store.Claim(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	events := []job.Event{
		{JobID: created.ID, Type: job.EventStatusChanged, Status: job.StatusProcessing, Message: "job started"},
		{JobID: created.ID, Type: job.EventStageChanged, Stage: job.StageDownloading, Progress: 0},
		{JobID: created.ID, Type: job.EventProgress, Stage: job.StageDownloading, Progress: 12.5, Message: "downloading"},
	}
	for _, ev := range events {
		if err := f.bc.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range events {
		msg := wsRead(t, conn)
		if msg.Type != "job_update" {
			t.Fatalf("event %d: expected job_update, got %q", i, msg.Type)
		}
		if msg.Data.Progress != want.Progress {
			t.Fatalf("event %d: expected progress %v, got %v", i, want.Progress, msg.Data.Progress)
		}
	}
}

func TestWebSocket_TerminalTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := createQueuedJob(t, f)
	conn := wsDial(t, f.srv.URL, "/v1/jobs/"+completed.ID.String()+"/ws", f.token)
	wsRead(t, conn) // snapshot

	if _, err := f.store.Claim(ctx, completed.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkCompleted(ctx, completed.ID, job.Result{VideoTitle: "demo"}); err != nil {
		t.Fatal(err)
	}
	if err := f.bc.Publish(ctx, job.Event{
		JobID: completed.ID, Type: job.EventStatusChanged,
		Status: job.StatusCompleted, Progress: 100,
	}); err != nil {
		t.Fatal(err)
	}

	msg := wsRead(t, conn)
	if msg.Type != "job_completed" {
		t.Fatalf("expected job_completed, got %q", msg.Type)
	}
	if msg.Data.Result == nil || msg.Data.Result.VideoTitle != "demo" {
		t.Fatalf("completed message must carry the result, got %+v", msg.Data)
	}

	failed := createQueuedJob(t, f)
	conn2 := wsDial(t, f.srv.URL, "/v1/jobs/"+failed.ID.String()+"/ws", f.token)
	wsRead(t, conn2)

	if _, err := f.store.Claim(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkFailed(ctx, failed.ID, job.StageDownloading, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := f.bc.Publish(ctx, job.Event{
		JobID: failed.ID, Type: job.EventStatusChanged,
		Status: job.StatusFailed, Stage: job.StageDownloading, Message: "boom",
	}); err != nil {
		t.Fatal(err)
	}

	msg = wsRead(t, conn2)
	if msg.Type != "job_failed" {
		t.Fatalf("expected job_failed, got %q", msg.Type)
	}
	if msg.Data.Message != "boom" {
		t.Fatalf("failed message must carry the error, got %+v", msg.Data)
	}
}

func TestWebSocket_RequiresAuth(t *testing.T) {
	f := newFixture(t)
	created := createQueuedJob(t, f)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/jobs/" + created.ID.String() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}
}
