package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/logging"
	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// principalHeader names the caller for the permission gate. Absent means
// the configured default principal.
const principalHeader = "X-Memd-Principal"

// =============================================================================
// HTTP SERVER
// =============================================================================

// HTTP serves the REST API.
type HTTP struct {
	backend          Backend
	defaultPrincipal string
	router           chi.Router
}

// NewHTTP builds the HTTP server with its routes mounted.
func NewHTTP(backend Backend, defaultPrincipal string) *HTTP {
	h := &HTTP{backend: backend, defaultPrincipal: defaultPrincipal}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(logRequests)

	r.Get("/health", h.handleHealth)
	r.Post("/memory/store", h.handleMemoryStore)
	r.Post("/memory/search", h.handleSearch)
	r.Post("/memory/inject", h.handleInject)
	r.Delete("/memory/{id}", h.handleDelete)
	r.Post("/conversation/store", h.handleConversationStore)
	r.Post("/conversation/{id}/compress", h.handleCompress)
	r.Get("/conversation/recent", h.handleRecent)
	r.Get("/conversation/{id}/messages", h.handleMessages)
	r.Get("/projects", h.handleListProjects)
	r.Post("/projects", h.handleEnsureProject)

	h.router = r
	return h
}

// Handler returns the mounted router.
func (h *HTTP) Handler() http.Handler { return h.router }

// ListenAndServe runs the server until the listener fails.
func (h *HTTP) ListenAndServe(addr string) error {
	logging.Server("http listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// logRequests writes one line per request to the server log file. Logs go
// to files, never stdout, so the stdio transport stays clean.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Server("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (h *HTTP) principal(r *http.Request) string {
	if p := r.Header.Get(principalHeader); p != "" {
		return p
	}
	return h.defaultPrincipal
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.backend.Health(r.Context())
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *HTTP) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content   string                 `json:"content"`
		ProjectID string                 `json:"project_id"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := h.backend.StoreMemoryContent(r.Context(), h.principal(r), body.ProjectID, body.Content, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":         true,
		"conversation_id": id,
		"project_id":      body.ProjectID,
	})
}

func (h *HTTP) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query     string  `json:"query"`
		ProjectID string  `json:"project_id"`
		Limit     int     `json:"limit"`
		MinScore  float64 `json:"min_score"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	start := time.Now()
	results, err := h.backend.SearchMemories(r.Context(), h.principal(r), body.ProjectID, body.Query, body.Limit, body.MinScore)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":          body.Query,
		"results":        results,
		"count":          len(results),
		"search_time_ms": time.Since(start).Milliseconds(),
	})
}

func (h *HTTP) handleInject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OriginalPrompt string `json:"original_prompt"`
		QueryText      string `json:"query_text"`
		InjectionMode  string `json:"injection_mode"`
		MaxTokens      int    `json:"max_tokens"`
		ProjectID      string `json:"project_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.backend.InjectContext(r.Context(), h.principal(r), body.ProjectID,
		body.OriginalPrompt, body.QueryText, body.InjectionMode, body.MaxTokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteMemory(r.Context(), h.principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *HTTP) handleConversationStore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages  []types.Message `json:"messages"`
		ProjectID string          `json:"project_id"`
		Title     string          `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	conv := &types.Conversation{ProjectID: body.ProjectID, Title: body.Title}
	if err := h.backend.IngestConversation(r.Context(), h.principal(r), conv, body.Messages); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":         true,
		"conversation_id": conv.ID,
		"project_id":      conv.ProjectID,
	})
}

func (h *HTTP) handleCompress(w http.ResponseWriter, r *http.Request) {
	unit, err := h.backend.CompressConversation(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *HTTP) handleRecent(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	limit := queryInt(r, "limit", 10)
	out, err := h.backend.GetRecentConversations(r.Context(), h.principal(r), projectID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out, "count": len(out)})
}

func (h *HTTP) handleMessages(w http.ResponseWriter, r *http.Request) {
	conv, out, err := h.backend.GetConversationMessages(r.Context(), h.principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation": conv, "messages": out, "count": len(out)})
}

func (h *HTTP) handleListProjects(w http.ResponseWriter, r *http.Request) {
	out, err := h.backend.ListProjects(r.Context(), h.principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out, "count": len(out)})
}

func (h *HTTP) handleEnsureProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		Name      string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := h.backend.EnsureProject(r.Context(), h.principal(r), body.ProjectID, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "project": p})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Server("failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInputInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrParentMissing):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrProviderTransient):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"success": false, "error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
