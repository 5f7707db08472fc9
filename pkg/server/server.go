// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the HTTP surface of the credential usage
// aggregator: tracker counters, on-demand aggregation, and the
// developer-token-protected sync routes that feed the ingress
// instrumentation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/abcxyz/credential-usage-aggregator/pkg/usage"
	"github.com/abcxyz/credential-usage-aggregator/pkg/version"
)

var (
	errMethodNotAllowed = fmt.Errorf("method not allowed")
	errBadAggregatePath = fmt.Errorf("expected path /api/credentials/{type}/{id}/aggregate")
)

// Server provides the server implementation.
type Server struct {
	h          *renderer.Renderer
	tracker    *usage.Tracker
	aggregator *usage.Aggregator
	middleware *usage.Middleware
	projectID  string
}

// NewServer creates a new HTTP server implementation serving the usage
// aggregation routes.
func NewServer(ctx context.Context, h *renderer.Renderer, cfg *Config, tracker *usage.Tracker, aggregator *usage.Aggregator, auth usage.TokenAuthenticator) (*Server, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if aggregator == nil {
		return nil, fmt.Errorf("aggregator is required")
	}

	return &Server{
		h:          h,
		tracker:    tracker,
		aggregator: aggregator,
		middleware: usage.NewMiddleware(tracker, auth, h),
		projectID:  cfg.ProjectID,
	}, nil
}

// Routes creates a ServeMux of all of the routes that this Router supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/version", s.handleVersion())
	mux.Handle("/api/tracker/stats", s.handleTrackerStats())
	mux.Handle("/api/credentials/", s.handleAggregate())
	mux.Handle("/api/usage/stats", s.middleware.RequireDevToken(usage.HandlerFunc(s.handleUserStats)))
	mux.Handle("/api/sync/ping", s.middleware.RequireDevToken(usage.HandlerFunc(s.handlePing)))

	// Middleware
	root := logging.HTTPInterceptor(logger, s.projectID)(mux)

	return root
}

// handleVersion is a simple http.HandlerFunc that responds with version
// information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"name":    version.Name,
			"commit":  version.Commit,
			"version": version.Version,
		})
	})
}

// handleTrackerStats reports the tracker counter snapshot.
func (s *Server) handleTrackerStats() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, s.tracker.Stats())
	})
}

// handleAggregate serves POST /api/credentials/{type}/{id}/aggregate: it
// re-aggregates the credential's usage, writes the summary back onto the
// credential record and returns the fresh stats.
func (s *Server) handleAggregate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if r.Method != http.MethodPost {
			s.h.RenderJSON(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
			return
		}

		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/credentials/"), "/"), "/")
		if len(parts) != 3 || parts[2] != "aggregate" {
			s.h.RenderJSON(w, http.StatusNotFound, errBadAggregatePath)
			return
		}
		credentialType, credentialID := parts[0], parts[1]

		stats, err := s.aggregator.UpdateCredentialStats(ctx, credentialType, credentialID)
		if err != nil {
			if !usage.KnownCredentialType(credentialType) {
				s.h.RenderJSON(w, http.StatusBadRequest, err)
				return
			}
			logger.ErrorContext(ctx, "failed to update credential stats",
				"credential_type", credentialType,
				"credential_id", credentialID,
				"error", err)
			s.h.RenderJSON(w, http.StatusInternalServerError, err)
			return
		}

		s.h.RenderJSON(w, http.StatusOK, stats)
	})
}

// handleUserStats returns the bulk per-credential aggregation for the
// authenticated user. Runs behind the dev-token middleware.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	userID, ok := usage.UserFromContext(ctx)
	if !ok {
		return fmt.Errorf("no authenticated user on request")
	}

	s.h.RenderJSON(w, http.StatusOK, s.aggregator.AggregateAllUserStats(ctx, userID))
	return nil
}

// handlePing is a no-op sync endpoint; its value is the usage event the
// middleware records for it.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) error {
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}
