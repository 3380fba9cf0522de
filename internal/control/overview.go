package control

import "net/http"

// handleOverview aggregates the dashboard KPIs in one round trip:
// uptime, every counter and gauge, runtime memory, and store row
// counts.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()

	overview := map[string]any{
		"uptime":         snap.Uptime,
		"uptime_seconds": snap.UptimeSeconds,
		"counters":       snap.Counters,
		"gauges":         snap.Gauges,
		"memory":         snap.Memory,
		"build":          snap.Build,
	}
	if s.store != nil {
		overview["store"] = s.store.Stats()
	}

	writeJSON(w, overview, s.logger)
}
