package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vaultkeep/envelope/envelope"
)

// drrStore is a toy Loader/Storer keeping DataRowRecords in memory under a
// generated surrogate key, standing in for whatever row-level persistence a
// real application already has (a SQL table, a document store, ...).
type drrStore struct {
	mu   sync.RWMutex
	rows map[string]envelope.DataRowRecord
}

func newDRRStore() *drrStore {
	return &drrStore{rows: make(map[string]envelope.DataRowRecord)}
}

// Store assigns a new uuid to d and keeps it, returning the uuid as the
// caller's lookup key.
func (s *drrStore) Store(_ context.Context, d envelope.DataRowRecord) (interface{}, error) {
	id := uuid.New().String()

	s.mu.Lock()
	s.rows[id] = d
	s.mu.Unlock()

	return id, nil
}

// Load retrieves the record stored under key, which must be the string uuid
// returned by a prior Store call.
func (s *drrStore) Load(_ context.Context, key interface{}) (*envelope.DataRowRecord, error) {
	id, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("drrstore: key must be a string uuid, got %T", key)
	}

	s.mu.RLock()
	d, ok := s.rows[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("drrstore: no record for id %s", id)
	}

	return &d, nil
}
