package kv

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteBucket is a persistent bucket backed by the kv_store table.
type SQLiteBucket struct {
	db   *sql.DB
	name string
}

// NewSQLiteBucket creates a new SQLite-backed bucket.
func NewSQLiteBucket(db *sql.DB, name string) *SQLiteBucket {
	return &SQLiteBucket{
		db:   db,
		name: name,
	}
}

// Name returns the bucket name.
func (b *SQLiteBucket) Name() string {
	return b.name
}

// Save stores value under key.
func (b *SQLiteBucket) Save(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	_, err = b.db.Exec(`
		INSERT INTO kv_store (bucket, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, b.name, key, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Load decodes the value under key into out.
func (b *SQLiteBucket) Load(key string, out any) (bool, error) {
	var raw string
	err := b.db.QueryRow(`
		SELECT value FROM kv_store WHERE bucket = ? AND key = ?
	`, b.name, key).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s/%s: %w", b.name, key, err)
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", b.name, key, err)
	}
	return true, nil
}

// Delete removes a key from the bucket.
func (b *SQLiteBucket) Delete(key string) error {
	if _, err := b.db.Exec(`DELETE FROM kv_store WHERE bucket = ? AND key = ?`, b.name, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Clear removes all keys from the bucket.
func (b *SQLiteBucket) Clear() error {
	if _, err := b.db.Exec(`DELETE FROM kv_store WHERE bucket = ?`, b.name); err != nil {
		return fmt.Errorf("failed to clear bucket %s: %w", b.name, err)
	}
	return nil
}
