package handlers

import (
	"net/http"
	"runtime"
	"time"
)

// Counter reports a number of live connections.
type Counter interface {
	Count() int
}

type HealthHandlers struct {
	version string
	sockets map[string]Counter
}

func NewHealthHandlers(version string, sockets map[string]Counter) *HealthHandlers {
	return &HealthHandlers{version: version, sockets: sockets}
}

type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Timestamp string         `json:"timestamp"`
	Sockets   map[string]int `json:"sockets"`
}

var startTime = time.Now()

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sockets:   h.counts(),
	})
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	JSON(w, http.StatusOK, map[string]any{
		"runtime": RuntimeStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     m.Alloc,
			MemSys:       m.Sys,
			NumGC:        m.NumGC,
		},
		"sockets": h.counts(),
		"uptime":  time.Since(startTime).Round(time.Second).String(),
	})
}

func (h *HealthHandlers) counts() map[string]int {
	out := make(map[string]int, len(h.sockets))
	for name, c := range h.sockets {
		out[name] = c.Count()
	}
	return out
}
