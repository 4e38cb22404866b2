// Package ledger provides an append-only history of trigger firings.
// It lets labeled solar triggers survive a restart without firing twice.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventTriggerFired  EventType = "trigger_fired"
	EventTriggerFailed EventType = "trigger_failed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID             int64
	EventType      EventType
	Timestamp      time.Time
	Payload        map[string]any
	Source         string
	IdempotencyKey string
}

// Ledger provides append-only event logging with deduplication
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger.
// trigger_fired rows use INSERT OR IGNORE so the first writer wins.
func (l *Ledger) Append(eventType EventType, idempotencyKey, source string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	insertSQL := `INSERT INTO event_ledger (event_type, timestamp, payload, source, idempotency_key) VALUES (?, ?, ?, ?, ?)`
	if eventType == EventTriggerFired && idempotencyKey != "" {
		insertSQL = `INSERT OR IGNORE INTO event_ledger (event_type, timestamp, payload, source, idempotency_key) VALUES (?, ?, ?, ?, ?)`
	}

	_, err := l.db.Exec(insertSQL, string(eventType), l.now().UTC().Unix(), string(payloadJSON), source, idempotencyKey)
	return err
}

// HasFired checks whether the occurrence with the given key already fired
func (l *Ledger) HasFired(idempotencyKey string) bool {
	if idempotencyKey == "" {
		return false
	}

	var exists int
	err := l.db.QueryRow(`
		SELECT 1 FROM event_ledger
		WHERE idempotency_key = ? AND event_type = ?
		LIMIT 1
	`, idempotencyKey, string(EventTriggerFired)).Scan(&exists)

	return err == nil && exists == 1
}

// Recent returns the latest entries of a type, newest first
func (l *Ledger) Recent(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, source, idempotency_key
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source, key sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &source, &key); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		entry.Source = source.String
		entry.IdempotencyKey = key.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// DeleteOlderThan removes entries older than the retention window
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).Unix()
	result, err := l.db.Exec(`DELETE FROM event_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
