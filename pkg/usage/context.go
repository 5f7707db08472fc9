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

import "context"

// contextKey is a private type so context values set here cannot collide
// with values set by other packages.
type contextKey string

const (
	credentialContextKey = contextKey("credential")
	userContextKey       = contextKey("user")
)

// Credential identifies which stored credential an outbound request is
// authenticated with. Service is an optional hint used when host-based
// detection cannot classify the request.
type Credential struct {
	Type    string
	ID      string
	Service string
}

// WithCredential returns a derived context carrying the credential. The
// egress transport only instruments requests whose context carries one.
func WithCredential(ctx context.Context, cred Credential) context.Context {
	return context.WithValue(ctx, credentialContextKey, cred)
}

// CredentialFromContext returns the credential attached to ctx. It reports
// false when no credential is attached or when the type or id is empty, in
// which case the request is treated as uninstrumented.
func CredentialFromContext(ctx context.Context) (Credential, bool) {
	cred, ok := ctx.Value(credentialContextKey).(Credential)
	if !ok || cred.Type == "" || cred.ID == "" {
		return Credential{}, false
	}
	return cred, true
}

// WithUser returns a derived context carrying the acting user's id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext returns the user id attached to ctx, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
