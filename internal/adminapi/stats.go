package adminapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// statsResponse is a slimmed process resource snapshot, grounded on the
// teacher's pkg/api/system_metrics.go (CPU/memory fields only — the
// teacher's temperature-sensor reading has nothing a headless dispatcher
// container would expose).
type statsResponse struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemRSS     uint64  `json:"mem_rss_bytes"`
	MemTotal   uint64  `json:"mem_total_bytes"`
}

func collectStats(r *http.Request) statsResponse {
	var s statsResponse

	proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid()))
	if err == nil {
		if cpuPercent, err := proc.PercentWithContext(r.Context(), 200*time.Millisecond); err == nil {
			if n := runtime.NumCPU(); n > 0 {
				s.CPUPercent = cpuPercent / float64(n)
			} else {
				s.CPUPercent = cpuPercent
			}
		}
		if memInfo, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			s.MemRSS = memInfo.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		s.MemTotal = vm.Total
	}
	return s
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, collectStats(r))
}
