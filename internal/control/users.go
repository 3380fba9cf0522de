package control

import (
	"net/http"

	"github.com/orcabot/orcabot/internal/types"
)

// pathID parses the {id} path segment. A malformed ID writes the 400
// and returns false.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := types.ParseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// requireStore guards the data endpoints when the server runs without
// a store.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "store not configured")
		return false
	}
	return true
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)

	users, err := s.store.ListUsers(limit, offset)
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list users failed")
		return
	}
	writeJSON(w, map[string]any{
		"users": users,
		"count": len(users),
	}, s.logger)
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	u, err := s.store.GetUser(id)
	if err != nil {
		s.logger.Error("get user failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get user failed")
		return
	}
	if u == nil {
		s.errorResponse(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, u, s.logger)
}

func (s *Server) handleUserBlock(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Blocked bool `json:"blocked"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.store.SetBlocked(id, req.Blocked); err != nil {
		s.logger.Error("set blocked failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "set blocked failed")
		return
	}
	s.logger.Info("user block changed", "id", id, "blocked", req.Blocked)
	writeJSON(w, map[string]any{
		"ok":      true,
		"id":      id,
		"blocked": req.Blocked,
	}, s.logger)
}

func (s *Server) handleUserAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Admin bool `json:"admin"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.store.SetAdmin(id, req.Admin); err != nil {
		s.logger.Error("set admin failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "set admin failed")
		return
	}
	s.logger.Info("user admin changed", "id", id, "admin", req.Admin)
	writeJSON(w, map[string]any{
		"ok":    true,
		"id":    id,
		"admin": req.Admin,
	}, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := parseIntParam(r, "limit", 100)
	offset := parseIntParam(r, "offset", 0)

	threads, err := s.store.ListThreads(limit, offset)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list threads failed")
		return
	}
	writeJSON(w, map[string]any{
		"threads": threads,
		"count":   len(threads),
	}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	t, err := s.store.GetThread(id)
	if err != nil {
		s.logger.Error("get thread failed", "id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get thread failed")
		return
	}
	if t == nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, t, s.logger)
}

// handleMessages returns the newest messages for one thread. The
// thread parameter is mandatory.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	threadStr := r.URL.Query().Get("thread")
	if threadStr == "" {
		s.errorResponse(w, http.StatusBadRequest, "thread parameter is required")
		return
	}
	threadID, err := types.ParseID(threadStr)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	limit := parseIntParam(r, "limit", 50)

	msgs, err := s.store.GetMessages(threadID, limit)
	if err != nil {
		s.logger.Error("get messages failed", "thread", threadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "get messages failed")
		return
	}
	writeJSON(w, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
		"thread":   threadID,
	}, s.logger)
}
