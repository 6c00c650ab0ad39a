package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/23skdu/longbow-naiad/internal/metrics"
)

const Version = "0.1.0"

// HealthStatus is the /status body.
type HealthStatus struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	System    SystemInfo   `json:"system"`
	Pipeline  PipelineInfo `json:"pipeline"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
	Goroutines   int    `json:"goroutines"`
}

// PipelineInfo describes the generation pipeline.
type PipelineInfo struct {
	Tier              string `json:"tier"`
	Busy              bool   `json:"busy"`
	DeviceMemoryBytes int64  `json:"device_memory_bytes"`
	StepsTotal        int64  `json:"steps_total"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

func (s *Server) status() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := PipelineInfo{
		Tier:       s.opts.Tier,
		Busy:       s.studio.Busy(),
		StepsTotal: metrics.TotalSteps(),
	}
	if s.opts.DeviceMemory != nil {
		info.DeviceMemoryBytes = s.opts.DeviceMemory()
	}

	return HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    s.studio.Uptime().Truncate(time.Second).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(m.Sys / 1024 / 1024),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
			Goroutines:   runtime.NumGoroutine(),
		},
		Pipeline: info,
	}
}
