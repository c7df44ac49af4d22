package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/plaza-social/plaza/internal/httputil"
)

// health reports whether the cache backend is reachable.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := map[string]string{"cache": "ok"}
	if err := h.app.Cache.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		checks["cache"] = err.Error()
	}
	httputil.WriteJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

type processInfo struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Goroutines int     `json:"goroutines"`
}

type hostInfo struct {
	MemTotal       uint64  `json:"mem_total_bytes,omitempty"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
	CPUs           int     `json:"cpus"`
	GOMAXPROCS     int     `json:"gomaxprocs"`
}

// info reports build and runtime details for operators.
func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	proc := processInfo{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()}
	if p, err := process.NewProcessWithContext(r.Context(), proc.PID); err == nil {
		if m, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			proc.RSSBytes = m.RSS
		}
		if pct, err := p.CPUPercentWithContext(r.Context()); err == nil {
			proc.CPUPercent = pct
		}
	}

	host := hostInfo{CPUs: runtime.NumCPU(), GOMAXPROCS: runtime.GOMAXPROCS(0)}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		host.MemTotal = vm.Total
		host.MemUsedPercent = vm.UsedPercent
	}

	body := map[string]any{
		"service":  "plaza",
		"version":  h.version,
		"go":       runtime.Version(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"services": h.app.Services(),
		"jobs":     h.app.Scheduler.Jobs(),
		"process":  proc,
		"host":     host,
	}
	if stats, ok := h.app.DatabaseStats(); ok {
		body["database"] = stats
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
