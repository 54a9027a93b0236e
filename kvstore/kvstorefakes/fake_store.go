// Package kvstorefakes provides failure-injecting Store implementations for
// tests of storage error paths.
package kvstorefakes

import (
	"sync"

	"github.com/splitpal/go-session-client/kvstore"
)

var _ kvstore.Store = (*FakeStore)(nil)

// FakeStore wraps an in-memory store with injectable per-operation errors.
type FakeStore struct {
	mu        sync.Mutex
	values    map[string]string
	GetErr    error
	SetErr    error
	RemoveErr error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{values: make(map[string]string)}
}

func (s *FakeStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return "", false, s.GetErr
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *FakeStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	s.values[key] = value
	return nil
}

func (s *FakeStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	delete(s.values, key)
	return nil
}

// Raw returns the stored value without error injection, for asserting that
// a record was or was not mutated.
func (s *FakeStore) Raw(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}
