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
	"sort"
	"sync"
)

// MockDatastore is an in-memory Datastore for tests. The zero value is
// usable. saveErrs, when non-empty, fails that many saves before
// succeeding; blockSaves, when set, parks every save on the channel to
// simulate a stalled store.
type MockDatastore struct {
	mu         sync.Mutex
	events     []*EventRecord
	summaries  map[string]*CredentialSummary
	saveErrs   int
	saveErr    error
	listErr    error
	updateErr  error
	blockSaves chan struct{}
}

func (m *MockDatastore) SaveUsageEvent(ctx context.Context, record *EventRecord) error {
	if m.blockSaves != nil {
		select {
		case <-m.blockSaves:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErrs > 0 {
		m.saveErrs--
		return m.saveErr
	}
	m.events = append(m.events, record)
	return nil
}

func (m *MockDatastore) ListUsageEvents(ctx context.Context, credentialType, credentialID string, limit int) ([]*EventRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var records []*EventRecord
	for _, event := range m.events {
		if event.CredentialType == credentialType && event.CredentialID == credentialID {
			records = append(records, event)
		}
	}
	return sortAndCap(records, limit), nil
}

func (m *MockDatastore) ListUserUsageEvents(ctx context.Context, userID string, limit int) ([]*EventRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var records []*EventRecord
	for _, event := range m.events {
		if event.User == userID {
			records = append(records, event)
		}
	}
	return sortAndCap(records, limit), nil
}

func (m *MockDatastore) UpdateCredentialSummary(ctx context.Context, credentialType, credentialID string, summary *CredentialSummary) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, err := CollectionForCredentialType(credentialType); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summaries == nil {
		m.summaries = make(map[string]*CredentialSummary)
	}
	m.summaries[credentialType+":"+credentialID] = summary
	return nil
}

func (m *MockDatastore) Close() error {
	return nil
}

// Seed preloads records as if they had been saved.
func (m *MockDatastore) Seed(records ...*EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, records...)
}

// SavedEvents returns a copy of everything saved so far.
func (m *MockDatastore) SavedEvents() []*EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*EventRecord(nil), m.events...)
}

// SavedSummary returns the last summary written for the credential, or nil.
func (m *MockDatastore) SavedSummary(credentialType, credentialID string) *CredentialSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaries[credentialType+":"+credentialID]
}

func sortAndCap(records []*EventRecord, limit int) []*EventRecord {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
