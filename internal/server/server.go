// Package server exposes the memory service over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcliao/memory-api/internal/backup"
	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/service"
	"github.com/rcliao/memory-api/internal/store"
)

const (
	maxBodyBytes    = 1 << 20
	maxRestoreBytes = 64 << 20
)

// Options configures a Server.
type Options struct {
	// APIKey guards every route except the health checks. An empty key
	// rejects every guarded request.
	APIKey string
	// Timeout bounds each request. Zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Server routes HTTP requests to a service.
type Server struct {
	svc    *service.Service
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds the route table.
func New(svc *service.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, opts: opts, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /{$}", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /remember", s.guard(s.handleRemember))
	s.mux.Handle("GET /recall", s.guard(s.handleRecall))
	s.mux.Handle("GET /memories", s.guard(s.handleList))
	s.mux.Handle("GET /memories/{key...}", s.guard(s.handleGet))
	s.mux.Handle("DELETE /memories/{key...}", s.guard(s.handleDelete))
	s.mux.Handle("PATCH /memories/{key...}", s.guard(s.handleEdit))
	s.mux.Handle("POST /backup", s.guard(s.handleBackup))
	s.mux.Handle("POST /restore", s.guard(s.handleRestore))
	s.mux.Handle("GET /categories", s.guard(s.handleCategories))
	s.mux.Handle("GET /stats", s.guard(s.handleStats))
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// guard checks the API key and applies the request timeout.
func (s *Server) guard(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing API key", Code: "unauthorized"})
			return
		}
		if s.opts.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		h(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.APIKey == "" {
		return false
	}
	got := r.Header.Get("X-API-Key")
	if got == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIKey)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "storage_error"
	switch {
	case errors.Is(err, store.ErrRestore):
		status, code = http.StatusConflict, "restore_failed"
	case errors.Is(err, store.ErrValidation):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, store.ErrEmptyStore):
		status, code = http.StatusNotFound, "empty_store"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrBackupsDisabled):
		status, code = http.StatusServiceUnavailable, "backups_disabled"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(field, reason string) error {
	return &model.ValidationError{Field: field, Reason: reason}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("request body", err.Error())
	}
	return nil
}

func parseCreatedAt(r *http.Request) (*time.Time, error) {
	v := r.URL.Query().Get("created_at")
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, badRequest("created_at", fmt.Sprintf("%q is not RFC 3339", v))
	}
	return &t, nil
}

// firstOf returns the first non-blank value.
func firstOf(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Memory API is running"})
}

// rememberRequest accepts both the key/body and the topic/details spelling.
type rememberRequest struct {
	Key      string     `json:"key"`
	Topic    string     `json:"topic"`
	Body     model.Body `json:"body"`
	Details  model.Body `json:"details"`
	Tags     []string   `json:"tags"`
	Category string     `json:"category"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	body := req.Body
	if body == nil {
		body = req.Details
	}
	tags := req.Tags
	if req.Category != "" {
		tags = append(tags, req.Category)
	}

	m, err := s.svc.Remember(r.Context(), store.UpsertParams{
		Key:  firstOf(req.Key, req.Topic),
		Body: body,
		Tags: tags,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Memory saved for topic '%s'", m.Key),
		"memory":  m,
	})
}

type recallResponse struct {
	Memory     any            `json:"memory,omitempty"`
	ExactMatch *model.Memory  `json:"exact_match,omitempty"`
	Related    []model.Memory `json:"related"`
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.svc.Recall(r.Context(), store.RecallParams{
		Query: firstOf(q.Get("key"), q.Get("topic")),
		Tag:   firstOf(q.Get("tag"), q.Get("category")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch res.Outcome {
	case store.OutcomeEmptyStore:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "memory store is empty", Code: "empty_store"})
		return
	case store.OutcomeNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no memory found", Code: "not_found"})
		return
	}

	resp := recallResponse{ExactMatch: res.ExactMatch, Related: res.Related}
	if res.ExactMatch != nil {
		if text := res.ExactMatch.Body.Text(); text != "" {
			resp.Memory = text
		} else {
			resp.Memory = res.ExactMatch.Body
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var limit int
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	mems, err := s.svc.List(r.Context(), store.ListParams{
		Tag:   firstOf(q.Get("tag"), q.Get("category")),
		Limit: limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mems)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	at, err := parseCreatedAt(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.svc.Delete(r.Context(), store.DeleteParams{Key: r.PathValue("key"), CreatedAt: at})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]bool{"deleted": ok})
}

type patchRequest struct {
	Key       *string    `json:"key"`
	Body      model.Body `json:"body"`
	Tags      *[]string  `json:"tags"`
	CreatedAt *time.Time `json:"created_at"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	at, err := parseCreatedAt(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req patchRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Edit(r.Context(), store.EditParams{
		Key:       r.PathValue("key"),
		CreatedAt: at,
		Patch:     store.Patch{Key: req.Key, Body: req.Body, Tags: req.Tags, CreatedAt: req.CreatedAt},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	doc, path, err := s.svc.Export(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "count": doc.Count})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	doc, err := backup.Decode(http.MaxBytesReader(w, r.Body, maxRestoreBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.svc.Restore(r.Context(), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": n})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string, len(model.CategoryDescription))
	for _, c := range s.svc.Categories() {
		out[string(c.Name)] = c.Description
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
