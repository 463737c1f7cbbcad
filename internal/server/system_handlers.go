package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mkosta/autopilot/internal/modules/crisis"
)

// handleSystemHealth reports process and database health for operators.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	databases := make(map[string]interface{}, len(s.container.Databases))
	healthy := true
	for name, db := range s.container.Databases {
		status := map[string]interface{}{"healthy": true}
		if err := db.Conn().PingContext(r.Context()); err != nil {
			status["healthy"] = false
			status["error"] = err.Error()
			healthy = false
		}
		databases[name] = status
	}

	cpuAvg, memUsed := systemStats(s)

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":    overall,
		"databases": databases,
		"system": map[string]interface{}{
			"cpu_percent": cpuAvg,
			"mem_percent": memUsed,
		},
		"demo_mode": s.container.Config.DemoMode,
	})
}

// handleProtocolIncident lets an operator declare a protocol incident.
// Every holder is swept through the crisis engine for derisking.
func (s *Server) handleProtocolIncident(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Protocol string `json:"protocol"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Protocol == "" {
		s.writeError(w, http.StatusBadRequest, "protocol is required")
		return
	}

	s.log.Warn().
		Str("protocol", req.Protocol).
		Str("note", req.Note).
		Msg("Protocol incident declared")

	plans, err := s.container.CrisisEngine.EvaluateAll(r.Context(), crisis.TriggerProtocolIncident)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "crisis sweep failed")
		return
	}

	acted := 0
	for _, plan := range plans {
		if plan.ShouldAct {
			acted++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"users_evaluated": len(plans),
		"users_derisking": acted,
	})
}

// systemStats samples CPU and memory usage. A short 100ms CPU window keeps
// the endpoint fast for pollers.
func systemStats(s *Server) (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read CPU usage")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
		return cpuAvgOf(cpuPercent), 0
	}
	return cpuAvgOf(cpuPercent), memStat.UsedPercent
}

func cpuAvgOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
