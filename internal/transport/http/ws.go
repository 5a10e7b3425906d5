package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avoronova/clipline/internal/job"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// auth happens in middleware before the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireMessage is the envelope pushed to WebSocket clients.
type wireMessage struct {
	Type string   `json:"type"`
	Data wireData `json:"data"`
}

type wireData struct {
	JobID    string      `json:"job_id"`
	Status   job.Status  `json:"status,omitempty"`
	Stage    job.Stage   `json:"stage,omitempty"`
	Progress float64     `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Sequence int64       `json:"sequence,omitempty"`
	Result   *job.Result `json:"result,omitempty"`
}

// subscribeJob upgrades the connection and streams the job's events: first a
// snapshot of the current state, then live updates in order.
func (h *Handlers) subscribeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	sub, err := h.Broadcast.Subscribe(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		slog.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()
	defer sub.Unsubscribe()

	slog.Debug("websocket subscriber connected", "job_id", id, "remote", r.RemoteAddr)

	// reader exists only to notice the peer going away
	go func() {
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			msg := h.toWire(r.Context(), ev)
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("websocket write failed", "job_id", id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// toWire maps an internal event onto the client message vocabulary. Terminal
// status changes get their own types so clients can stop listening without
// inspecting payloads.
func (h *Handlers) toWire(ctx context.Context, ev job.Event) wireMessage {
	data := wireData{
		JobID:    ev.JobID.String(),
		Status:   ev.Status,
		Stage:    ev.Stage,
		Progress: ev.Progress,
		Message:  ev.Message,
		Sequence: ev.Sequence,
	}

	typ := "job_update"
	switch {
	case ev.Type == job.EventInitialStatus:
		typ = "initial_status"
	case ev.Type == job.EventStatusChanged && ev.Status == job.StatusCompleted:
		typ = "job_completed"
		if j, err := h.Svc.GetJob(ctx, ev.JobID); err == nil {
			data.Result = &j.Result
		}
	case ev.Type == job.EventStatusChanged && ev.Status == job.StatusFailed:
		typ = "job_failed"
	}

	return wireMessage{Type: typ, Data: data}
}
