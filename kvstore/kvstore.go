// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package kvstore provides the key-value blob store the distributed runtime
// uses for rendezvous key exchange, and the checkpoint runner uses for
// parameter blobs.
//
// Two implementations are provided: an in-memory store for single-process
// jobs and tests, and a file-backed store for multi-process jobs sharing a
// filesystem.
package kvstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Store is a shared key-value blob store. All participating processes must
// observe each other's writes.
type Store interface {
	// Set stores the value under the key, overwriting any previous value.
	Set(key string, value []byte) error

	// Get returns the value stored under the key, and whether it was present.
	Get(key string) ([]byte, bool, error)

	// Wait blocks until the key is present (or the context is done) and
	// returns its value.
	Wait(ctx context.Context, key string) ([]byte, error)
}

// MemStore is an in-memory Store, safe for concurrent use. It is the store
// of choice for single-process jobs and for tests that simulate several
// shards with goroutines.
type MemStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	waiters map[string][]chan []byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values:  make(map[string][]byte),
		waiters: make(map[string][]chan []byte),
	}
}

// Set implements Store.
func (s *MemStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = v
	for _, waiter := range s.waiters[key] {
		waiter <- v
	}
	delete(s.waiters, key)
	return nil
}

// Get implements Store.
func (s *MemStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.values[key]
	return v, found, nil
}

// Wait implements Store.
func (s *MemStore) Wait(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if v, found := s.values[key]; found {
		s.mu.Unlock()
		return v, nil
	}
	waiter := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], waiter)
	s.mu.Unlock()

	select {
	case v := <-waiter:
		return v, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for key %q", key)
	}
}
