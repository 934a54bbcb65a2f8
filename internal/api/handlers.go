package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/internal/orchestrator"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/models"
)

const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    errors.ErrorType       `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type startRequest struct {
	RerunFullLoad bool `json:"rerun_full_load"`
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	var c models.Connection
	if !s.decode(w, r, &c) {
		return
	}
	created, err := s.svc.CreateConnection(r.Context(), &c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.Redacted())
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.svc.ListConnections(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*models.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Redacted())
}

func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	var c models.Connection
	if !s.decode(w, r, &c) {
		return
	}
	updated, err := s.svc.UpdateConnection(r.Context(), chi.URLParam(r, "id"), &c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}

func (s *Server) createPipeline(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.PipelineSpec
	if !s.decode(w, r, &spec) {
		return
	}
	p, err := s.svc.CreatePipeline(r.Context(), spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	ps, err := s.svc.ListPipelines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*models.Pipeline{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeletePipeline(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if v := r.URL.Query().Get("rerun_full_load"); v != "" {
		rerun, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, errors.New(errors.ErrorTypeValidation, "rerun_full_load must be a boolean"))
			return
		}
		req.RerunFullLoad = rerun
	}
	p, err := s.svc.Start(r.Context(), chi.URLParam(r, "id"),
		orchestrator.StartOptions{RerunFullLoad: req.RerunFullLoad})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) restartPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) pipelineEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.New(errors.ErrorTypeValidation, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) deleteConnectors(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.DeleteConnectors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// decode reads a JSON body into v and writes a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "invalid JSON body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := errorDetail{Type: errors.TypeOf(err), Message: err.Error()}
	var e *errors.Error
	if errors.As(err, &e) {
		detail.Message = e.Message
		detail.Details = e.Details
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig, errors.ErrorTypeUnsupportedDialect:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeAlreadyExists, errors.ErrorTypeInvalidState, errors.ErrorTypeBusy:
		return http.StatusConflict
	case errors.ErrorTypeTransient, errors.ErrorTypeTimeout, errors.ErrorTypeConnection,
		errors.ErrorTypeRateLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
