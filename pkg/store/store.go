// Package store implements key value stores that hold the client side state of
// dashboard sessions.
package store

import (
	"errors"
)

// Custom errors.
var (
	ErrNotFound = errors.New("key not found")
)

// Store is a string key value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value of key or ErrNotFound.
	Get(key string) (string, error)
	// Set stores value under key replacing any existing value.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

type scoped struct {
	prefix string
	store  Store
}

// Scope returns a Store whose keys are prefixed with namespace so that many
// clients can share a single backend.
func Scope(s Store, namespace string) Store {
	return &scoped{prefix: namespace + ":", store: s}
}

func (s *scoped) Get(key string) (string, error) {
	return s.store.Get(s.prefix + key)
}

func (s *scoped) Set(key, value string) error {
	return s.store.Set(s.prefix+key, value)
}

func (s *scoped) Remove(key string) error {
	return s.store.Remove(s.prefix + key)
}
