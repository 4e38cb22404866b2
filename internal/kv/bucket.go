// Package kv provides small named key-value buckets backed by SQLite or memory.
// Values are stored as JSON and decoded into the caller's type on Load.
package kv

// Bucket is the interface for key-value storage operations.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// Save stores value under key, replacing any previous value.
	Save(key string, value any) error

	// Load decodes the value stored under key into out.
	// Returns false if the key does not exist.
	Load(key string, out any) (bool, error)

	// Delete removes a key from the bucket.
	Delete(key string) error

	// Clear removes all keys from the bucket.
	Clear() error
}
