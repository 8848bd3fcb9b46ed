// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the workflow service over HTTP: YAML documents for
// workflow management, JSON for executions, RFC 7807 problems for errors.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fmeurisse/maestro-sub002/internal/engine"
	"github.com/fmeurisse/maestro-sub002/internal/store"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	revisions  *store.RevisionStore
	executions *store.ExecutionStore
	engine     *engine.Engine
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New builds the server and registers every route.
func New(revisions *store.RevisionStore, executions *store.ExecutionStore, eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		revisions:  revisions,
		executions: executions,
		engine:     eng,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	s.mux.HandleFunc("POST /api/workflows/{namespace}/{id}", s.handleCreateRevision)
	s.mux.HandleFunc("GET /api/workflows/{namespace}/{id}", s.handleListRevisions)
	s.mux.HandleFunc("DELETE /api/workflows/{namespace}/{id}", s.handleDeleteWorkflow)
	s.mux.HandleFunc("GET /api/workflows/{namespace}/{id}/{version}", s.handleGetRevision)
	s.mux.HandleFunc("PUT /api/workflows/{namespace}/{id}/{version}", s.handleUpdateRevision)
	s.mux.HandleFunc("DELETE /api/workflows/{namespace}/{id}/{version}", s.handleDeleteRevision)
	s.mux.HandleFunc("POST /api/workflows/{namespace}/{id}/{version}/activate", s.handleActivate)
	s.mux.HandleFunc("POST /api/workflows/{namespace}/{id}/{version}/deactivate", s.handleDeactivate)

	s.mux.HandleFunc("POST /api/executions", s.handleStartExecution)
	s.mux.HandleFunc("GET /api/executions/{executionId}", s.handleGetExecution)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the routed handler wrapped in the middleware chain. A
// positive requestTimeout puts a deadline on every request context; the
// engine sees it through the usual context plumbing.
func (s *Server) Handler(requestTimeout time.Duration) http.Handler {
	var handler http.Handler = s.mux
	if requestTimeout > 0 {
		handler = timeoutMiddleware(handler, requestTimeout)
	}
	return withMiddleware(handler, s.logger)
}

// timeoutMiddleware bounds each request context.
func timeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// writeYAML writes a YAML document response.
func writeYAML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write YAML response", slog.Any("error", err))
	}
}
