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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/oauth2"
)

// errorTransport fails every round-trip before producing a response.
type errorTransport struct {
	err error
}

func (t *errorTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, t.err
}

func newTestTransport(t *testing.T) (*Transport, *MockDatastore, func()) {
	t.Helper()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	cfg := testTrackerConfig()
	cfg.BatchSize = 1 // flush every event immediately
	datastore := &MockDatastore{}
	tracker := NewTracker(ctx, cfg, datastore)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracker.Shutdown(shutdownCtx)
	}
	return NewTransport(nil, tracker, cfg), datastore, cleanup
}

func TestTransport_OpenAICompletion(t *testing.T) {
	t.Parallel()

	respBody := `{"id":"cmpl-1","object":"chat.completion","usage":{"prompt_tokens":100,"completion_tokens":37,"total_tokens":137}}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request body: %v", err)
		}
		if got, want := len(body), 800; got != want {
			t.Errorf("server saw request body of %d bytes, want %d", got, want)
		}
		fmt.Fprint(w, respBody)
	}))
	t.Cleanup(ts.Close)

	transport, datastore, cleanup := newTestTransport(t)
	t.Cleanup(cleanup)
	client := &http.Client{Transport: transport}

	ctx := WithCredential(context.Background(), Credential{
		Type:    CredentialTypeAPIKey,
		ID:      "ak_42",
		Service: ServiceOpenAI,
	})
	ctx = WithUser(ctx, "user_42")

	reqBody := strings.Repeat("a", 800)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/v1/chat/completions", strings.NewReader(reqBody))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// The teed body must be byte-identical to what the server sent.
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	if string(got) != respBody {
		t.Errorf("response body altered by instrumentation:\ngot  %q\nwant %q", got, respBody)
	}

	events := waitForEvents(t, datastore, 1)
	event := events[0]
	if got, want := event.CredentialType, CredentialTypeAPIKey; got != want {
		t.Errorf("CredentialType = %q, want %q", got, want)
	}
	if got, want := event.CredentialID, "ak_42"; got != want {
		t.Errorf("CredentialID = %q, want %q", got, want)
	}
	if got, want := event.User, "user_42"; got != want {
		t.Errorf("User = %q, want %q", got, want)
	}
	if got, want := event.Service, ServiceOpenAI; got != want {
		t.Errorf("Service = %q, want %q", got, want)
	}
	if got, want := event.Endpoint, "/v1/chat/completions"; got != want {
		t.Errorf("Endpoint = %q, want %q", got, want)
	}
	if got, want := event.Method, http.MethodPost; got != want {
		t.Errorf("Method = %q, want %q", got, want)
	}
	if got, want := event.StatusCode, 200; got != want {
		t.Errorf("StatusCode = %d, want %d", got, want)
	}
	if got, want := event.TokensUsed, int64(137); got != want {
		t.Errorf("TokensUsed = %d, want %d", got, want)
	}
	if got, want := event.RequestSize, int64(800); got != want {
		t.Errorf("RequestSize = %d, want %d", got, want)
	}
	if got, want := event.ResponseSize, int64(len(respBody)); got != want {
		t.Errorf("ResponseSize = %d, want %d", got, want)
	}
	if event.ErrorType != "" || event.ErrorMessage != "" {
		t.Errorf("unexpected error fields: type=%q message=%q", event.ErrorType, event.ErrorMessage)
	}
}

func TestTransport_TransportError(t *testing.T) {
	t.Parallel()

	transport, datastore, cleanup := newTestTransport(t)
	t.Cleanup(cleanup)
	transport.Base = &errorTransport{err: fmt.Errorf("dial tcp: lookup api.github.com: no such host")}
	client := &http.Client{Transport: transport}

	ctx := WithCredential(context.Background(), Credential{
		Type: CredentialTypeToken,
		ID:   "t_9",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user/repos", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Do(req); err == nil {
		t.Fatal("expected transport error to propagate")
	}

	events := waitForEvents(t, datastore, 1)
	event := events[0]
	if got, want := event.StatusCode, 0; got != want {
		t.Errorf("StatusCode = %d, want %d", got, want)
	}
	if got, want := event.ErrorType, string(ErrorKindRequest); got != want {
		t.Errorf("ErrorType = %q, want %q", got, want)
	}
	if event.ErrorMessage == "" {
		t.Error("ErrorMessage is empty, want the transport error text")
	}
	if got, want := event.Service, ServiceGitHub; got != want {
		t.Errorf("Service = %q, want %q", got, want)
	}
	if event.ResponseSize != 0 || event.TokensUsed != 0 {
		t.Errorf("unexpected response accounting: size=%d tokens=%d", event.ResponseSize, event.TokensUsed)
	}
}

func TestTransport_HTTPError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(ts.Close)

	transport, datastore, cleanup := newTestTransport(t)
	t.Cleanup(cleanup)
	client := &http.Client{Transport: transport}

	ctx := WithCredential(context.Background(), Credential{
		Type:    CredentialTypeToken,
		ID:      "t_9",
		Service: ServiceGitHub,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/user/repos", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	events := waitForEvents(t, datastore, 1)
	event := events[0]
	if got, want := event.StatusCode, http.StatusTooManyRequests; got != want {
		t.Errorf("StatusCode = %d, want %d", got, want)
	}
	if got, want := event.ErrorType, string(ErrorKindHTTP); got != want {
		t.Errorf("ErrorType = %q, want %q", got, want)
	}
	if got, want := event.ErrorMessage, "Too Many Requests"; got != want {
		t.Errorf("ErrorMessage = %q, want %q", got, want)
	}
	if event.TokensUsed != 0 {
		t.Errorf("TokensUsed = %d, want 0 for non-LLM service", event.TokensUsed)
	}
}

func TestTransport_InstrumentedClientSendsOAuthToken(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("Authorization"), "Bearer oauth-token"; got != want {
			t.Errorf("Authorization = %q, want %q", got, want)
		}
		fmt.Fprint(w, `{"items":[]}`)
	}))
	t.Cleanup(ts.Close)

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	cfg := testTrackerConfig()
	cfg.BatchSize = 1
	datastore := &MockDatastore{}
	tracker := NewTracker(ctx, cfg, datastore)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracker.Shutdown(shutdownCtx)
	})

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "oauth-token"})
	client := InstrumentedClient(tracker, cfg, src)

	reqCtx := WithCredential(context.Background(), Credential{
		Type:    CredentialTypeToken,
		ID:      "t_7",
		Service: ServiceGoogleCalendar,
	})
	reqCtx = WithUser(reqCtx, "user_7")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/calendar/v3/events", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	events := waitForEvents(t, datastore, 1)
	event := events[0]
	if got, want := event.CredentialType, CredentialTypeToken; got != want {
		t.Errorf("CredentialType = %q, want %q", got, want)
	}
	if got, want := event.CredentialID, "t_7"; got != want {
		t.Errorf("CredentialID = %q, want %q", got, want)
	}
	if got, want := event.User, "user_7"; got != want {
		t.Errorf("User = %q, want %q", got, want)
	}
	// The loopback host matches nothing, so the credential's hint wins.
	if got, want := event.Service, ServiceGoogleCalendar; got != want {
		t.Errorf("Service = %q, want %q", got, want)
	}
	if got, want := event.StatusCode, 200; got != want {
		t.Errorf("StatusCode = %d, want %d", got, want)
	}
}

func TestTransport_NoCredentialContextPassesThrough(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(ts.Close)

	transport, datastore, cleanup := newTestTransport(t)
	t.Cleanup(cleanup)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(body), "ok"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	time.Sleep(100 * time.Millisecond)
	if events := datastore.SavedEvents(); len(events) != 0 {
		t.Errorf("uninstrumented request produced %d events, want 0", len(events))
	}
}

func TestTransport_EmptyCredentialIsUninstrumented(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(ts.Close)

	transport, datastore, cleanup := newTestTransport(t)
	t.Cleanup(cleanup)
	client := &http.Client{Transport: transport}

	// A credential with an empty id does not count as present.
	ctx := WithCredential(context.Background(), Credential{Type: CredentialTypeToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	time.Sleep(100 * time.Millisecond)
	if events := datastore.SavedEvents(); len(events) != 0 {
		t.Errorf("request with empty credential produced %d events, want 0", len(events))
	}
}
