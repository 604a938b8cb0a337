// Package server exposes the decision API over HTTP: one synchronous
// check-and-consume endpoint plus health and metrics surfaces.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Proton-105/gatekeeper/internal/coordinator"
	apperrors "github.com/Proton-105/gatekeeper/internal/errors"
	"github.com/Proton-105/gatekeeper/internal/health"
	"github.com/Proton-105/gatekeeper/pkg/logger"
)

// Server routes decision API requests to the coordinator.
type Server struct {
	coord      *coordinator.Coordinator
	checker    *health.Checker
	errHandler *apperrors.Handler
	log        *slog.Logger
}

// New constructs the API server.
func New(coord *coordinator.Coordinator, checker *health.Checker, errHandler *apperrors.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		coord:      coord,
		checker:    checker,
		errHandler: errHandler,
		log:        log,
	}
}

// Handler builds the HTTP handler tree with logging and correlation-ID
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/check", s.handleCheck)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return logger.CorrelationMiddleware(LoggingMiddleware(s.log)(mux))
}

type checkRequest struct {
	Key      string `json:"key"`
	PolicyID string `json:"policy_id"`
}

type checkResponse struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int64 `json:"remaining"`
	RetryAfterMs int64 `json:"retry_after_ms"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "E000", "method not allowed")
		return
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "E000", "malformed request body")
		return
	}
	if req.Key == "" || req.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "E000", "key and policy_id are required")
		return
	}

	decision, err := s.coord.Check(r.Context(), req.Key, req.PolicyID)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == "E100" {
			// Configuration problem, distinguishable from a denial.
			writeError(w, http.StatusBadRequest, appErr.Code, appErr.Message)
			return
		}

		if s.errHandler != nil {
			s.errHandler.Handle(r.Context(), err)
		}
		writeError(w, http.StatusInternalServerError, "E400", "internal error")
		return
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if !decision.Allowed && decision.RetryAfter > 0 {
		seconds := int64(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Allowed:      decision.Allowed,
		Remaining:    decision.Remaining,
		RetryAfterMs: decision.RetryAfter.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.checker.Check(r.Context())

	status := http.StatusOK
	for _, result := range results {
		if result != "OK" {
			status = http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, status, results)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Error: message})
}
