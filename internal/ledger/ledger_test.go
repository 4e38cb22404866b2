package ledger

import (
	"testing"
	"time"

	"github.com/dokzlo13/duskd/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestLedger_HasFired(t *testing.T) {
	l := newTestLedger(t)

	if l.HasFired("porch/2026-03-01") {
		t.Fatal("HasFired() = true before any append")
	}

	if err := l.Append(EventTriggerFired, "porch/2026-03-01", "solar", map[string]any{"event": "sunset"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !l.HasFired("porch/2026-03-01") {
		t.Error("HasFired() = false after append")
	}
	if l.HasFired("porch/2026-03-02") {
		t.Error("HasFired() = true for another day")
	}
	if l.HasFired("") {
		t.Error("HasFired(\"\") = true, empty key never dedupes")
	}
}

func TestLedger_FirstWriterWins(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(EventTriggerFired, "k", "solar", nil); err != nil {
			t.Fatalf("Append() #%d error = %v", i, err)
		}
	}

	entries, err := l.Recent(EventTriggerFired, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)

	l.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	_ = l.Append(EventTriggerFailed, "", "solar", nil)
	l.now = time.Now
	_ = l.Append(EventTriggerFailed, "", "solar", nil)

	n, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
