package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var errSchedulerUnavailable = errors.New("scheduler not available")

// SystemHandlers serves host-level stats.
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
}

// NewSystemHandlers creates the system stats handler.
func NewSystemHandlers(log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
	}
}

// SystemStatsResponse is the /api/system payload.
type SystemStatsResponse struct {
	UptimeHours float64 `json:"uptime_hours"`
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	RAMUsedMB   float64 `json:"ram_used_mb"`
	Goroutines  int     `json:"goroutines,omitempty"`
}

// HandleSystemStats returns CPU, memory and uptime.
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent, ramUsedMB := h.getSystemStats()

	resp := SystemStatsResponse{
		UptimeHours: time.Since(h.startupTime).Hours(),
		CPUPercent:  cpuPercent,
		RAMPercent:  ramPercent,
		RAMUsedMB:   ramUsedMB,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system stats")
	}
}

// getSystemStats samples CPU over 100ms to keep the endpoint fast for
// pollers.
func (h *SystemHandlers) getSystemStats() (float64, float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return firstOrZero(cpuPercent), 0, 0
	}

	return firstOrZero(cpuPercent), memStat.UsedPercent, float64(memStat.Used) / 1024 / 1024
}

func firstOrZero(vals []float64) float64 {
	if len(vals) > 0 {
		return vals[0]
	}
	return 0
}
