package control

import (
	"embed"
	"net/http"
)

//go:embed static/dashboard.html
var staticFiles embed.FS

// handleDashboard serves the single-page dashboard. The page is fully
// self-contained and talks back to /api over fetch.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page, err := staticFiles.ReadFile("static/dashboard.html")
	if err != nil {
		s.logger.Error("dashboard asset missing", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "dashboard unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write dashboard", "error", err)
	}
}
