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
	"time"

	"github.com/abcxyz/pkg/logging"
)

// Aggregation read caps. Reads beyond the cap are silently partial; the
// resulting stats carry Truncated so callers can tell.
const (
	defaultAggregateReadLimit     = 10000
	defaultUserAggregateReadLimit = 50000
)

// CredentialStats is the in-memory fold of a credential's usage events.
type CredentialStats struct {
	TotalRequests    int64     `json:"total_requests"`
	SuccessCount     int64     `json:"success_count"`
	FailureCount     int64     `json:"failure_count"`
	SuccessRate      float64   `json:"success_rate"`
	TotalTokens      int64     `json:"total_tokens"`
	AvgResponseTime  float64   `json:"avg_response_time_ms"`
	LastUsedAt       time.Time `json:"last_used_at"`
	TotalConnections int64     `json:"total_connections"`

	// Truncated is set when the fold consumed exactly the read cap, meaning
	// older events may not be included.
	Truncated bool `json:"truncated,omitempty"`
}

// Aggregator rolls usage events up into per-credential summary counters.
// Aggregations are read-only over the event collection and idempotent over
// the same input set; concurrent aggregations for one credential are
// last-writer-wins.
type Aggregator struct {
	datastore     Datastore
	readLimit     int
	userReadLimit int
}

// NewAggregator creates an aggregator reading and writing through datastore.
func NewAggregator(datastore Datastore) *Aggregator {
	return &Aggregator{
		datastore:     datastore,
		readLimit:     defaultAggregateReadLimit,
		userReadLimit: defaultUserAggregateReadLimit,
	}
}

// AggregateStats folds the most recent events for one credential. A read
// failure yields zero-valued stats (treated as "no data yet") so callers
// can still respond with an empty view.
func (a *Aggregator) AggregateStats(ctx context.Context, credentialType, credentialID string) *CredentialStats {
	events, err := a.datastore.ListUsageEvents(ctx, credentialType, credentialID, a.readLimit)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to read credential usage events",
			"credential_type", credentialType,
			"credential_id", credentialID,
			"error", err)
		return &CredentialStats{}
	}
	return foldStats(events, len(events) >= a.readLimit)
}

// UpdateCredentialStats aggregates a credential's events and writes the
// summary fields back onto the credential record in its owning collection.
// Unknown credential types return an error and no write occurs.
func (a *Aggregator) UpdateCredentialStats(ctx context.Context, credentialType, credentialID string) (*CredentialStats, error) {
	if !KnownCredentialType(credentialType) {
		return nil, fmt.Errorf("unknown credential type %q", credentialType)
	}

	stats := a.AggregateStats(ctx, credentialType, credentialID)

	summary := &CredentialSummary{
		TotalRequests:   stats.TotalRequests,
		TotalTokensUsed: stats.TotalTokens,
		SuccessRate:     stats.SuccessRate,
		LastUsedAt:      stats.LastUsedAt,
	}
	if credentialType == CredentialTypeSecurityKey {
		summary.TotalConnections = stats.TotalConnections
	}

	if err := a.datastore.UpdateCredentialSummary(ctx, credentialType, credentialID, summary); err != nil {
		return nil, fmt.Errorf("failed to update credential summary: %w", err)
	}
	return stats, nil
}

// AggregateAllUserStats folds every credential the user has recent events
// for, keyed by "{type}:{id}". When the bulk read hit the cap, every
// group's stats carry Truncated: the missing older rows could belong to
// any credential. Read failures yield an empty map.
func (a *Aggregator) AggregateAllUserStats(ctx context.Context, userID string) map[string]*CredentialStats {
	stats := make(map[string]*CredentialStats)

	events, err := a.datastore.ListUserUsageEvents(ctx, userID, a.userReadLimit)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to read user usage events",
			"user", userID,
			"error", err)
		return stats
	}

	truncated := len(events) >= a.userReadLimit
	grouped := make(map[string][]*EventRecord)
	for _, event := range events {
		key := event.CredentialType + ":" + event.CredentialID
		grouped[key] = append(grouped[key], event)
	}
	for key, group := range grouped {
		stats[key] = foldStats(group, truncated)
	}
	return stats
}

// foldStats is a pure fold over a slice of event records.
func foldStats(events []*EventRecord, truncated bool) *CredentialStats {
	stats := &CredentialStats{
		Truncated: truncated,
	}
	if len(events) == 0 {
		return stats
	}

	var totalResponseTime int64
	for _, event := range events {
		stats.TotalRequests++
		if event.success() {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		stats.TotalTokens += event.TokensUsed
		totalResponseTime += event.ResponseTimeMs
		if event.Timestamp.After(stats.LastUsedAt) {
			stats.LastUsedAt = event.Timestamp
		}
		if event.CredentialType == CredentialTypeSecurityKey && event.Method == MethodSSHConnect {
			stats.TotalConnections++
		}
	}

	stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalRequests)
	stats.AvgResponseTime = float64(totalResponseTime) / float64(stats.TotalRequests)
	return stats
}
