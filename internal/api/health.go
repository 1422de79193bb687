package api

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/drain"
)

type healthResponse struct {
	Status    string  `json:"status"`
	Version   string  `json:"version,omitempty"`
	Uptime    float64 `json:"uptime_seconds"`
	Plugins   int     `json:"plugins"`
	Endpoints int     `json:"endpoints"`
	InFlight  int64   `json:"in_flight"`
	RSS       uint64  `json:"rss_bytes,omitempty"`
	Threads   int32   `json:"threads,omitempty"`
}

// Health reports liveness with process statistics. It answers 503 while the
// server drains.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   a.Version,
		Uptime:    time.Since(a.Started).Seconds(),
		Plugins:   len(a.Plugins.Registry().Plugins()),
		Endpoints: len(a.Routes.Bound()),
		InFlight:  drain.InFlight(),
	}
	if p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			resp.RSS = mi.RSS
		}
		if n, err := p.NumThreadsWithContext(r.Context()); err == nil {
			resp.Threads = n
		}
	}
	status := http.StatusOK
	if drain.IsDraining() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	dispatch.WriteJSON(w, status, resp)
}
