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

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"

	"github.com/abcxyz/credential-usage-aggregator/pkg/bq"
)

// BigQueryDatastore implements Datastore on top of BigQuery: streaming
// inserts into the usage events table and DML updates against the
// credential tables.
type BigQueryDatastore struct {
	bq           *bq.BigQuery
	usageTableID string
}

// NewBigQueryDatastore creates a Datastore backed by BigQuery.
func NewBigQueryDatastore(ctx context.Context, projectID, datasetID, usageTableID string, opts ...option.ClientOption) (*BigQueryDatastore, error) {
	client, err := bq.NewBigQuery(ctx, projectID, datasetID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery datastore: %w", err)
	}
	return &BigQueryDatastore{
		bq:           client,
		usageTableID: usageTableID,
	}, nil
}

// SaveUsageEvent implements Datastore.
func (d *BigQueryDatastore) SaveUsageEvent(ctx context.Context, record *EventRecord) error {
	if err := bq.Write(ctx, d.bq, d.usageTableID, []*EventRecord{record}); err != nil {
		return fmt.Errorf("failed to save usage event: %w", err)
	}
	return nil
}

const listUsageEventsQuery = `
SELECT
	id,
	credential_type,
	credential_id,
	user,
	service,
	endpoint,
	method,
	status_code,
	response_time_ms,
	tokens_used,
	request_size_bytes,
	response_size_bytes,
	IFNULL(error_type, "") error_type,
	IFNULL(error_message, "") error_message,
	IFNULL(metadata, "") metadata,
	timestamp,
	created_at
FROM ` + "`%s`" + `
WHERE %s
ORDER BY timestamp DESC
LIMIT @limit
`

// ListUsageEvents implements Datastore.
func (d *BigQueryDatastore) ListUsageEvents(ctx context.Context, credentialType, credentialID string, limit int) ([]*EventRecord, error) {
	queryString := fmt.Sprintf(listUsageEventsQuery, d.bq.TableName(d.usageTableID),
		"credential_type = @credential_type AND credential_id = @credential_id")
	records, err := bq.Query[EventRecord](ctx, d.bq, queryString,
		bigquery.QueryParameter{Name: "credential_type", Value: credentialType},
		bigquery.QueryParameter{Name: "credential_id", Value: credentialID},
		bigquery.QueryParameter{Name: "limit", Value: limit},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	return records, nil
}

// ListUserUsageEvents implements Datastore.
func (d *BigQueryDatastore) ListUserUsageEvents(ctx context.Context, userID string, limit int) ([]*EventRecord, error) {
	queryString := fmt.Sprintf(listUsageEventsQuery, d.bq.TableName(d.usageTableID), "user = @user")
	records, err := bq.Query[EventRecord](ctx, d.bq, queryString,
		bigquery.QueryParameter{Name: "user", Value: userID},
		bigquery.QueryParameter{Name: "limit", Value: limit},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list user usage events: %w", err)
	}
	return records, nil
}

// UpdateCredentialSummary implements Datastore. The update is idempotent
// over the same aggregation input, so concurrent aggregations for one
// credential are safely last-writer-wins.
func (d *BigQueryDatastore) UpdateCredentialSummary(ctx context.Context, credentialType, credentialID string, summary *CredentialSummary) error {
	collection, err := CollectionForCredentialType(credentialType)
	if err != nil {
		return err
	}

	assignments := `total_requests = @total_requests,
		total_tokens_used = @total_tokens_used,
		success_rate = @success_rate,
		last_used_at = @last_used_at`
	params := []bigquery.QueryParameter{
		{Name: "total_requests", Value: summary.TotalRequests},
		{Name: "total_tokens_used", Value: summary.TotalTokensUsed},
		{Name: "success_rate", Value: summary.SuccessRate},
		{Name: "last_used_at", Value: summary.LastUsedAt},
		{Name: "id", Value: credentialID},
	}
	if credentialType == CredentialTypeSecurityKey {
		assignments += ",\n\t\ttotal_connections = @total_connections"
		params = append(params, bigquery.QueryParameter{Name: "total_connections", Value: summary.TotalConnections})
	}

	queryString := fmt.Sprintf("UPDATE `%s`\nSET %s\nWHERE id = @id",
		d.bq.TableName(collection), assignments)
	if err := bq.Exec(ctx, d.bq, queryString, params...); err != nil {
		return fmt.Errorf("failed to update %s summary: %w", collection, err)
	}
	return nil
}

const authenticateTokenQuery = `
SELECT
	id,
	user
FROM ` + "`%s`" + `
WHERE token = @token AND is_active
LIMIT 1
`

// AuthenticateToken validates a developer token against the dev_tokens
// collection. Implements TokenAuthenticator.
func (d *BigQueryDatastore) AuthenticateToken(ctx context.Context, token string) (*DevToken, error) {
	type devTokenRow struct {
		ID   string `bigquery:"id"`
		User string `bigquery:"user"`
	}

	collection, err := CollectionForCredentialType(CredentialTypeDevToken)
	if err != nil {
		return nil, err
	}

	queryString := fmt.Sprintf(authenticateTokenQuery, d.bq.TableName(collection))
	rows, err := bq.Query[devTokenRow](ctx, d.bq, queryString,
		bigquery.QueryParameter{Name: "token", Value: token},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sync token: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sync token not found")
	}
	return &DevToken{ID: rows[0].ID, UserID: rows[0].User}, nil
}

// Close implements Datastore.
func (d *BigQueryDatastore) Close() error {
	return d.bq.Close()
}
