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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential collection names keyed by credential type.
var credentialCollections = map[string]string{
	CredentialTypeToken:       "tokens",
	CredentialTypeDevToken:    "dev_tokens",
	CredentialTypeAPIKey:      "api_keys",
	CredentialTypeSecurityKey: "security_keys",
}

// CollectionForCredentialType returns the collection holding credentials of
// the given type.
func CollectionForCredentialType(credentialType string) (string, error) {
	collection, ok := credentialCollections[credentialType]
	if !ok {
		return "", fmt.Errorf("unknown credential type %q", credentialType)
	}
	return collection, nil
}

// EventRecord is one persisted row of the credential_usage collection. The
// collection is append-only; records are never updated.
type EventRecord struct {
	ID             string    `bigquery:"id" json:"id"`
	CredentialType string    `bigquery:"credential_type" json:"credential_type"`
	CredentialID   string    `bigquery:"credential_id" json:"credential_id"`
	User           string    `bigquery:"user" json:"user"`
	Service        string    `bigquery:"service" json:"service"`
	Endpoint       string    `bigquery:"endpoint" json:"endpoint"`
	Method         string    `bigquery:"method" json:"method"`
	StatusCode     int       `bigquery:"status_code" json:"status_code"`
	ResponseTimeMs int64     `bigquery:"response_time_ms" json:"response_time_ms"`
	TokensUsed     int64     `bigquery:"tokens_used" json:"tokens_used"`
	RequestSize    int64     `bigquery:"request_size_bytes" json:"request_size_bytes"`
	ResponseSize   int64     `bigquery:"response_size_bytes" json:"response_size_bytes"`
	ErrorType      string    `bigquery:"error_type" json:"error_type"`
	ErrorMessage   string    `bigquery:"error_message" json:"error_message"`
	Metadata       string    `bigquery:"metadata" json:"metadata"`
	Timestamp      time.Time `bigquery:"timestamp" json:"timestamp"`
	CreatedAt      time.Time `bigquery:"created_at" json:"created_at"`
}

// newEventRecord builds the persisted row for an event, generating a fresh
// primary key. Record IDs are generated once per event so a retried write
// re-saves the same row rather than minting a duplicate.
func newEventRecord(event *Event) *EventRecord {
	record := &EventRecord{
		ID:             uuid.New().String(),
		CredentialType: event.CredentialType,
		CredentialID:   event.CredentialID,
		User:           event.UserID,
		Service:        event.Service,
		Endpoint:       event.Endpoint,
		Method:         event.Method,
		StatusCode:     event.StatusCode,
		ResponseTimeMs: event.ResponseTimeMs,
		TokensUsed:     event.TokensUsed,
		RequestSize:    event.RequestSize,
		ResponseSize:   event.ResponseSize,
		ErrorType:      string(event.ErrorKind),
		ErrorMessage:   event.ErrorMessage,
		Timestamp:      event.Timestamp,
		CreatedAt:      time.Now().UTC(),
	}

	if len(event.Metadata) > 0 {
		if metadataJSON, err := json.Marshal(event.Metadata); err == nil {
			record.Metadata = string(metadataJSON)
		}
	}

	return record
}

// success mirrors Event.Success for persisted rows.
func (r *EventRecord) success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// CredentialSummary is the set of rolled-up counters maintained on a
// credential's own record by the aggregator.
type CredentialSummary struct {
	TotalRequests    int64
	TotalTokensUsed  int64
	SuccessRate      float64
	LastUsedAt       time.Time
	TotalConnections int64
}

// Datastore is the collection API the pipeline writes through. The
// credential_usage collection is append-only; credential records are only
// ever touched to refresh their summary fields.
type Datastore interface {
	// SaveUsageEvent appends one row to the credential_usage collection.
	SaveUsageEvent(ctx context.Context, record *EventRecord) error

	// ListUsageEvents returns up to limit rows for the credential, newest
	// first by timestamp.
	ListUsageEvents(ctx context.Context, credentialType, credentialID string, limit int) ([]*EventRecord, error)

	// ListUserUsageEvents returns up to limit rows owned by the user, newest
	// first by timestamp.
	ListUserUsageEvents(ctx context.Context, userID string, limit int) ([]*EventRecord, error)

	// UpdateCredentialSummary writes the summary fields onto the credential
	// record in its owning collection.
	UpdateCredentialSummary(ctx context.Context, credentialType, credentialID string, summary *CredentialSummary) error

	// Close releases any resources held by the datastore.
	Close() error
}
