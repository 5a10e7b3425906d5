package http

import (
	"net/http"
	"runtime"
	"time"
)

type HealthStatus struct {
	Status      string      `json:"status"`
	Timestamp   string      `json:"timestamp"`
	Subscribers int         `json:"subscribers"`
	System      *SystemInfo `json:"system,omitempty"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_mb"`
}

// Health returns basic liveness status (for load balancer).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	writeJSON(w, http.StatusOK, HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Subscribers: h.Broadcast.SubscriberCount(),
		System: &SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     memStats.Alloc / 1024 / 1024,
		},
	})
}
