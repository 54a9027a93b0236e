// Package kvstore abstracts the platform key-value storage used to persist
// session state. Mobile builds back this with the platform secure store;
// this package ships an in-memory adapter and an encrypted file adapter,
// selected at construction time.
package kvstore

// Store is the durable key-value backend for session persistence.
// Get returns ok=false when the key is absent.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}
