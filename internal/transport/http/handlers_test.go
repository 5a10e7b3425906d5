package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avoronova/clipline/internal/auth"
	"github.com/avoronova/clipline/internal/broadcast"
	"github.com/avoronova/clipline/internal/config"
	"github.com/avoronova/clipline/internal/job"
	"github.com/avoronova/clipline/internal/scheduler"
	"github.com/avoronova/clipline/internal/service"
	"github.com/avoronova/clipline/internal/store"
)

type noopCanceller struct{}

func (noopCanceller) RequestCancel(id uuid.UUID, reason string) bool { return false }

type fixture struct {
	srv   *httptest.Server
	store *store.Memory
	bc    *broadcast.Broadcaster
	token string
}

func testServer(t *testing.T) (*httptest.Server, *store.Memory, string) {
	f := newFixture(t)
	return f.srv, f.store, f.token
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Config{
		AppPassword:       "hunter2",
		JWTSecret:         "test-secret",
		JWTIssuer:         "clipline-test",
		JWTTTL:            time.Minute,
		RequestsPerMinute: 1000,
		StorageMode:       "s3", // skip the /files route
	}

	m := store.NewMemory()
	bc := broadcast.New(m, 16)
	sched := scheduler.New(m, scheduler.NewMemoryBackend(), bc)
	t.Cleanup(sched.Stop)
	svc := service.NewJobService(m, sched, noopCanceller{}, bc, 3, 2)

	h := &Handlers{Svc: svc, Broadcast: bc, Config: cfg}
	r := chi.NewRouter()
	h.Routers(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	token, err := auth.NewToken(cfg.JWTSecret, cfg.JWTIssuer, "operator", cfg.JWTTTL)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	return &fixture{srv: srv, store: m, bc: bc, token: token}
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLogin(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/v1/auth/login", "", map[string]string{"password": "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	decode(t, resp, &body)
	if body.AccessToken == "" || body.ExpiresIn <= 0 {
		t.Fatalf("expected token in response, got %+v", body)
	}

	resp = doJSON(t, "POST", srv.URL+"/v1/auth/login", "", map[string]string{"password": "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doJSON(t, "GET", srv.URL+"/v1/jobs", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = doJSON(t, "GET", srv.URL+"/v1/jobs", "not-a-token", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", resp.StatusCode)
	}
}

func TestCreateJob(t *testing.T) {
	srv, _, token := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
		"source_url": "https://www.youtube.com/watch?v=abc",
		"job_type":   "full_processing",
		"priority":   7,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created job.Job
	decode(t, resp, &created)
	if created.Status != job.StatusQueued {
		t.Fatalf("expected queued, got %s", created.Status)
	}
	if created.Priority != 7 {
		t.Fatalf("expected priority 7, got %d", created.Priority)
	}
}

func TestCreateJob_ValidationError(t *testing.T) {
	srv, _, token := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
		"source_url": "https://example.com/nope",
		"priority":   5,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body struct {
		Error  string `json:"error"`
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	decode(t, resp, &body)
	if len(body.Fields) == 0 {
		t.Fatalf("expected field details, got %+v", body)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _, token := testServer(t)

	resp := doJSON(t, "GET", srv.URL+"/v1/jobs/"+uuid.NewString(), token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	// malformed id is also a 404, not a 500
	resp = doJSON(t, "GET", srv.URL+"/v1/jobs/not-a-uuid", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for bad uuid, got %d", resp.StatusCode)
	}
}

func TestCancelAndRetryFlow(t *testing.T) {
	srv, m, token := testServer(t)

	resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
		"source_url": "https://youtu.be/abc",
		"job_type":   "transcription",
		"priority":   5,
	})
	var created job.Job
	decode(t, resp, &created)

	// cancel while queued
	resp = doJSON(t, "POST", srv.URL+"/v1/jobs/"+created.ID.String()+"/cancel", token,
		map[string]string{"reason": "mistake"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var cancelled job.Job
	decode(t, resp, &cancelled)
	if cancelled.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// cancelling again conflicts
	resp = doJSON(t, "POST", srv.URL+"/v1/jobs/"+created.ID.String()+"/cancel", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// retrying a cancelled job conflicts even with force
	resp = doJSON(t, "POST", srv.URL+"/v1/jobs/"+created.ID.String()+"/retry?force=true", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	// a deleted terminal job returns 204 then 404
	resp = doJSON(t, "DELETE", srv.URL+"/v1/jobs/"+created.ID.String(), token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, err := m.GetJob(context.Background(), created.ID); err == nil {
		t.Fatal("expected job to be gone from the store")
	}
}

func TestListJobsAndEvents(t *testing.T) {
	srv, _, token := testServer(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
			"source_url": "https://youtu.be/abc",
			"priority":   i,
		})
		resp.Body.Close()
	}

	resp := doJSON(t, "GET", srv.URL+"/v1/jobs?status=queued&limit=2", token, nil)
	var list struct {
		Jobs  []job.Job `json:"jobs"`
		Total int       `json:"total"`
	}
	decode(t, resp, &list)
	if list.Total != 3 || len(list.Jobs) != 2 {
		t.Fatalf("expected total 3 / page 2, got %d / %d", list.Total, len(list.Jobs))
	}

	resp = doJSON(t, "GET", srv.URL+"/v1/jobs/"+list.Jobs[0].ID.String()+"/events", token, nil)
	var events struct {
		Events []job.Event `json:"events"`
		Count  int         `json:"count"`
	}
	decode(t, resp, &events)
	if events.Count != 1 || events.Events[0].Type != job.EventStatusChanged {
		t.Fatalf("expected the queued event, got %+v", events)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	srv, _, token := testServer(t)

	resp := doJSON(t, "GET", srv.URL+"/v1/queue/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var st struct {
		QueueDepth int `json:"queue_depth"`
		Workers    int `json:"workers"`
	}
	decode(t, resp, &st)
	if st.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", st.Workers)
	}
}

func TestStatisticsEndpoint(t *testing.T) {
	srv, m, token := testServer(t)
	ctx := context.Background()

	resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
		"source_url": "https://youtu.be/abc",
		"priority":   5,
	})
	var created job.Job
	decode(t, resp, &created)
	if _, err := m.Claim(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkCompleted(ctx, created.ID, job.Result{}); err != nil {
		t.Fatal(err)
	}

	resp = doJSON(t, "GET", srv.URL+"/v1/jobs/statistics", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var stats struct {
		Total       int     `json:"total"`
		SuccessRate float64 `json:"success_rate"`
	}
	decode(t, resp, &stats)
	if stats.Total != 1 || stats.SuccessRate != 1 {
		t.Fatalf("expected 1 completed job, got %+v", stats)
	}
}

func TestClearQueueEndpoint(t *testing.T) {
	srv, m, token := testServer(t)

	var created job.Job
	resp := doJSON(t, "POST", srv.URL+"/v1/jobs", token, map[string]any{
		"source_url": "https://youtu.be/abc",
		"priority":   5,
	})
	decode(t, resp, &created)

	resp = doJSON(t, "DELETE", srv.URL+"/v1/queue/clear", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Cleared int `json:"cleared"`
	}
	decode(t, resp, &body)
	if body.Cleared != 1 {
		t.Fatalf("expected 1 cleared job, got %d", body.Cleared)
	}

	j, err := m.GetJob(context.Background(), created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
