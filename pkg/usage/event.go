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

// Package usage implements the credential usage telemetry pipeline: the
// in-process tracker that buffers, batches and flushes usage events to the
// event collection, the instrumentation seams that produce those events
// (egress HTTP transport, developer-token ingress middleware) and the
// aggregator that rolls events up into per-credential summary counters.
package usage

import "time"

// Credential types recognized by the pipeline. Each maps to its own
// credential collection in the datastore.
const (
	CredentialTypeToken       = "token"
	CredentialTypeDevToken    = "dev_token"
	CredentialTypeAPIKey      = "api_key"
	CredentialTypeSecurityKey = "security_key"
)

// MethodSSHConnect is the synthetic method recorded when a security key is
// used to open an SSH connection rather than to issue an HTTP request.
const MethodSSHConnect = "SSH_CONNECT"

// ErrorKind is the closed set of failure classifications an event can carry.
type ErrorKind string

const (
	// ErrorKindNone marks a successful use.
	ErrorKindNone ErrorKind = ""

	// ErrorKindRequest marks a transport-level failure observed before any
	// response was received. Events with this kind carry StatusCode 0.
	ErrorKindRequest ErrorKind = "request_error"

	// ErrorKindHTTP marks a response with a 4xx or 5xx status.
	ErrorKindHTTP ErrorKind = "http_error"
)

// Event is one observation of a credential being used. Events are immutable
// once submitted to the tracker.
type Event struct {
	CredentialType string
	CredentialID   string
	UserID         string
	Service        string
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMs int64
	TokensUsed     int64
	RequestSize    int64
	ResponseSize   int64
	ErrorKind      ErrorKind
	ErrorMessage   string
	Timestamp      time.Time
	Metadata       map[string]string
}

// Success reports whether the event describes a successful use. Transport
// failures (StatusCode 0) count as failures.
func (e *Event) Success() bool {
	return e.StatusCode >= 200 && e.StatusCode < 400
}

// KnownCredentialType reports whether t is one of the recognized credential
// types.
func KnownCredentialType(t string) bool {
	switch t {
	case CredentialTypeToken, CredentialTypeDevToken, CredentialTypeAPIKey, CredentialTypeSecurityKey:
		return true
	}
	return false
}
