// Package metastore provides Metastore implementations: an in-memory one
// for tests, a SQL one over database/sql, and (in the dynamodb subpackage)
// one backed by AWS DynamoDB.
package metastore

import (
	"context"
	"sort"
	"sync"

	"github.com/vaultkeep/envelope/envelope"
)

var _ envelope.Metastore = (*Memory)(nil)

// Memory is an in-memory Metastore keyed by ID then Created.
//
// It is meant for tests and local development only — nothing is persisted
// across process restarts.
type Memory struct {
	mu        sync.RWMutex
	envelopes map[string]map[int64]*envelope.EnvelopeKeyRecord
}

// NewMemory returns an empty Memory metastore.
func NewMemory() *Memory {
	return &Memory{envelopes: make(map[string]map[int64]*envelope.EnvelopeKeyRecord)}
}

// Load retrieves the record for the exact (id, created) pair.
func (m *Memory) Load(_ context.Context, id string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ekr, ok := m.envelopes[id][created]; ok {
		return ekr, nil
	}

	return nil, nil
}

// LoadLatest retrieves the record with the largest Created for id.
func (m *Memory) LoadLatest(_ context.Context, id string) (*envelope.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.envelopes[id]
	if !ok || len(byCreated) == 0 {
		return nil, nil
	}

	created := make([]int64, 0, len(byCreated))
	for c := range byCreated {
		created = append(created, c)
	}

	sort.Slice(created, func(i, j int) bool { return created[i] < created[j] })

	return byCreated[created[len(created)-1]], nil
}

// Store inserts ekr under (id, created), returning false without error if
// that key already exists.
func (m *Memory) Store(_ context.Context, id string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[id][created]; ok {
		return false, nil
	}

	if m.envelopes[id] == nil {
		m.envelopes[id] = make(map[int64]*envelope.EnvelopeKeyRecord)
	}

	m.envelopes[id][created] = ekr

	return true, nil
}
