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
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/oauth2"
)

// defaultMaxBufferedResponse is the response size above which the transport
// stops buffering and passes the body through untouched. Streaming bodies
// skip token parsing and record ResponseSize 0 with a metadata flag.
const defaultMaxBufferedResponse = 10 << 20

// UserExtractor resolves the acting user from a request context when
// WithUser was not called explicitly.
type UserExtractor func(ctx context.Context) string

// Transport is an http.RoundTripper that records one usage event per
// round-trip for requests whose context carries a credential. Requests
// without a credential context pass through uninstrumented. The response
// returned to the caller is byte-identical to what the base transport
// produced.
type Transport struct {
	// Base is the transport used to make the actual requests.
	// If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Tracker receives the constructed events.
	Tracker *Tracker

	// UserExtractor, if set, resolves the user when the context carries none.
	UserExtractor UserExtractor

	// tokenServices are the service tags whose responses are parsed for
	// token usage.
	tokenServices map[string]struct{}

	// maxBufferedResponse caps how large a response body is buffered for
	// measurement. Zero means the default cap.
	maxBufferedResponse int64
}

// NewTransport creates an instrumented transport submitting to tracker.
// The token-parsed service set comes from cfg.
func NewTransport(base http.RoundTripper, tracker *Tracker, cfg *Config) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	tokenServices := make(map[string]struct{}, len(cfg.TokenParsedServices))
	for _, service := range cfg.TokenParsedServices {
		tokenServices[service] = struct{}{}
	}

	return &Transport{
		Base:          base,
		Tracker:       tracker,
		tokenServices: tokenServices,
	}
}

// InstrumentedClient returns an *http.Client that authenticates requests
// with the given OAuth token source and records usage against the
// credential, for outbound calls made with token-type credentials.
func InstrumentedClient(tracker *Tracker, cfg *Config, src oauth2.TokenSource) *http.Client {
	transport := NewTransport(&oauth2.Transport{Source: src}, tracker, cfg)
	return &http.Client{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	ctx := req.Context()
	cred, ok := CredentialFromContext(ctx)
	if !ok {
		return base.RoundTrip(req)
	}

	userID, ok := UserFromContext(ctx)
	if !ok && t.UserExtractor != nil {
		userID = t.UserExtractor(ctx)
	}

	event := &Event{
		CredentialType: cred.Type,
		CredentialID:   cred.ID,
		UserID:         userID,
		Service:        DetectService(req, cred.Service),
		Endpoint:       req.URL.Path,
		Method:         req.Method,
		Timestamp:      time.Now().UTC(),
	}

	// Buffer the request body so its size is known, then hand the base
	// transport a fresh reader over the same bytes.
	req2 := cloneRequest(req)
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		event.RequestSize = int64(len(body))
		req2.Body = io.NopCloser(bytes.NewReader(body))
		req2.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	start := time.Now()
	resp, err := base.RoundTrip(req2)
	event.ResponseTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		event.StatusCode = 0
		event.ErrorKind = ErrorKindRequest
		event.ErrorMessage = err.Error()
		t.submit(ctx, event)
		return nil, err
	}

	event.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		event.ErrorKind = ErrorKindHTTP
		event.ErrorMessage = http.StatusText(resp.StatusCode)
	}

	t.teeResponse(ctx, resp, event)
	t.submit(ctx, event)
	return resp, nil
}

// teeResponse measures the response body and, for token-parsed services,
// extracts the reported token usage. The body handed back to the caller
// yields the exact original byte sequence. Bodies over the buffering cap
// are passed through unread and flagged in metadata.
func (t *Transport) teeResponse(ctx context.Context, resp *http.Response, event *Event) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return
	}

	maxBuffered := t.maxBufferedResponse
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBufferedResponse
	}
	if resp.ContentLength > maxBuffered {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		event.Metadata["streaming"] = "true"
		return
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		// Partial read: give the caller what we have, it will observe the
		// same read error position it would have seen without the tee.
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	event.ResponseSize = int64(len(body))

	if _, ok := t.tokenServices[event.Service]; !ok {
		return
	}
	tokens, err := ParserFor(event.Service).ParseTokensUsed(body)
	if err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "failed to parse token usage",
			"service", event.Service,
			"error", err)
		return
	}
	event.TokensUsed = tokens
}

// submit hands the event to the tracker. Submission is bounded by the
// tracker's grace period and its overflow error is informational, so the
// round-trip result never depends on it.
func (t *Transport) submit(ctx context.Context, event *Event) {
	if t.Tracker == nil {
		return
	}
	if err := t.Tracker.TrackUsage(ctx, event); err != nil {
		logging.FromContext(ctx).DebugContext(ctx, "credential usage event dropped",
			"service", event.Service,
			"error", err)
	}
}

// cloneRequest returns a shallow copy of req with a deep copy of its
// headers, per the RoundTripper contract that the request not be mutated.
func cloneRequest(req *http.Request) *http.Request {
	req2 := new(http.Request)
	*req2 = *req
	req2.Header = make(http.Header, len(req.Header))
	for k, v := range req.Header {
		req2.Header[k] = append([]string(nil), v...)
	}
	return req2
}
