package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// KV is a namespaced key-value store. Values are strings; unsigned integers
// are stored in decimal form so both accessors can read the same key.
type KV interface {
	GetString(ns, key string) (string, error)
	PutString(ns, key, value string) error
	GetUint(ns, key string) (uint64, error)
	PutUint(ns, key string, v uint64) error
	Delete(ns, key string) error

	// Replace atomically drops every key in ns and writes entries.
	Replace(ns string, entries map[string]string) error

	// Clear removes the namespace entirely.
	Clear(ns string) error

	Close() error
}
