package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/vidcoord/pkg/logging"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    float64           `json:"uptime_seconds"`
	Checks    map[string]string `json:"checks"`
	Host      HostStats         `json:"host"`
}

// HostStats is a snapshot of the coordinator host
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	Goroutines    int     `json:"goroutines"`
}

func hostStats() HostStats {
	st := HostStats{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemoryPercent = vm.UsedPercent
		st.MemoryUsed = vm.Used
	}
	return st
}

// ProbeResponse is the body of the readiness and liveness endpoints
type ProbeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// runChecks calls every dependency check and reports whether all passed
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	healthy := true
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			s.logger.Warn("Health check failed", logging.Fields{"check": name, "error": err})
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

// Health reports dependency checks and host load. It answers 503 when any
// dependency is unreachable.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks(r.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Seconds(),
		Checks:    checks,
		Host:      hostStats(),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready answers 200 once every dependency check passes
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	checks, healthy := s.runChecks(r.Context())
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, ProbeResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "ready", Checks: checks})
}

// Live answers 200 whenever the process can serve requests
func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ProbeResponse{Status: "alive"})
}
