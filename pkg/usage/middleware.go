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

package usage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
)

// AuthSyncTokenHeader is the request header carrying the developer token on
// sync API requests.
const AuthSyncTokenHeader = "AuthSyncToken"

var errUnauthorized = fmt.Errorf("invalid or missing sync token")

// DevToken is a validated developer token: the credential record id and the
// user owning it.
type DevToken struct {
	ID     string
	UserID string
}

// TokenAuthenticator validates a raw developer token against the credential
// store. Validation itself is outside the pipeline; the middleware only
// consumes the resulting attribution tuple.
type TokenAuthenticator interface {
	AuthenticateToken(ctx context.Context, token string) (*DevToken, error)
}

// TokenAuthenticatorFunc adapts a function to the TokenAuthenticator
// interface.
type TokenAuthenticatorFunc func(ctx context.Context, token string) (*DevToken, error)

func (f TokenAuthenticatorFunc) AuthenticateToken(ctx context.Context, token string) (*DevToken, error) {
	return f(ctx, token)
}

// Handler is an http handler that reports its outcome. The middleware
// derives the event's status from this outcome: nil is recorded as 200, an
// error as 0. It does not inspect status codes the handler wrote itself.
type Handler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Middleware guards developer-token routes and records one usage event per
// authenticated request. Requests that fail authentication produce no
// event: there is no credential to attribute them to.
type Middleware struct {
	tracker *Tracker
	auth    TokenAuthenticator
	h       *renderer.Renderer
}

// NewMiddleware creates the ingress middleware.
func NewMiddleware(tracker *Tracker, auth TokenAuthenticator, h *renderer.Renderer) *Middleware {
	return &Middleware{
		tracker: tracker,
		auth:    auth,
		h:       h,
	}
}

// RequireDevToken wraps next with developer-token authentication and usage
// tracking.
func (m *Middleware) RequireDevToken(next Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		token := r.Header.Get(AuthSyncTokenHeader)
		if token == "" {
			m.h.RenderJSON(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		devToken, err := m.auth.AuthenticateToken(ctx, token)
		if err != nil {
			logger.WarnContext(ctx, "sync token validation failed", "error", err)
			m.h.RenderJSON(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		ctx = WithUser(ctx, devToken.UserID)
		ctx = WithCredential(ctx, Credential{
			Type:    CredentialTypeDevToken,
			ID:      devToken.ID,
			Service: ServicePocketBase,
		})
		r = r.WithContext(ctx)

		start := time.Now()
		handlerErr := next.ServeHTTP(w, r)

		event := &Event{
			CredentialType: CredentialTypeDevToken,
			CredentialID:   devToken.ID,
			UserID:         devToken.UserID,
			Service:        ServicePocketBase,
			Endpoint:       r.URL.Path,
			Method:         r.Method,
			StatusCode:     http.StatusOK,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Timestamp:      start.UTC(),
		}
		if handlerErr != nil {
			event.StatusCode = 0
			event.ErrorKind = ErrorKindRequest
			event.ErrorMessage = handlerErr.Error()
		}

		if err := m.tracker.TrackUsage(ctx, event); err != nil {
			logger.DebugContext(ctx, "credential usage event dropped", "error", err)
		}

		if handlerErr != nil {
			logger.ErrorContext(ctx, "sync handler failed",
				"path", r.URL.Path,
				"error", handlerErr)
			m.h.RenderJSON(w, http.StatusInternalServerError, handlerErr)
		}
	})
}
