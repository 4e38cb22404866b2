package clock

import (
	"errors"
	"testing"
	"time"
)

func fixedClock(now time.Time) *Clock {
	c := New(time.UTC)
	c.now = func() time.Time { return now }
	return c
}

func TestShortTime(t *testing.T) {
	now := time.Date(2026, 3, 20, 14, 7, 33, 0, time.UTC)
	c := fixedClock(now)
	day := func(h, m int) time.Time { return time.Date(2026, 3, 20, h, m, 0, 0, time.UTC) }

	tests := []struct {
		ref     string
		want    time.Time
		wantErr bool
	}{
		{"NOW", now, false},
		{"now", now, false},
		{"TOMORROW", time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC), false},
		{"AM8:30", day(8, 30), false},
		{"AM08", day(8, 0), false},
		{"PM3", day(15, 0), false},
		{"PM11:45", day(23, 45), false},
		{"AM12", day(0, 0), false},
		{"PM12", day(12, 0), false},
		{"PM3:10", time.Time{}, true},
		{"AM13", time.Time{}, true},
		{"8:30", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := c.ShortTime(tt.ref)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTime) {
					t.Fatalf("ShortTime(%q) error = %v, want ErrInvalidTime", tt.ref, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ShortTime(%q) error = %v", tt.ref, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ShortTime(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestRefTime(t *testing.T) {
	c := fixedClock(time.Date(2026, 3, 20, 14, 7, 33, 0, time.UTC))

	tests := []struct {
		ref     string
		want    time.Time
		wantErr bool
	}{
		{"8:30", time.Date(2026, 3, 20, 8, 30, 0, 0, time.UTC), false},
		{"15", time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC), false},
		{"23:59:59", time.Date(2026, 3, 20, 23, 59, 59, 0, time.UTC), false},
		{"24", time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC), false},
		{"24:30", time.Time{}, true},
		{"9:75", time.Time{}, true},
		{"noon", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := c.RefTime(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RefTime(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("RefTime(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestComparisons(t *testing.T) {
	c := fixedClock(time.Date(2026, 3, 20, 14, 7, 0, 0, time.UTC))

	if ok, _ := c.IsAfter("PM2"); !ok {
		t.Error("IsAfter(PM2) = false at 14:07")
	}
	if ok, _ := c.IsBefore("PM2:15"); !ok {
		t.Error("IsBefore(PM2:15) = false at 14:07")
	}
	if ok, _ := c.IsBetween("AM8", "PM5"); !ok {
		t.Error("IsBetween(AM8, PM5) = false at 14:07")
	}
	if ok, _ := c.IsBetween("PM5", "PM11"); ok {
		t.Error("IsBetween(PM5, PM11) = true at 14:07")
	}
	if _, err := c.IsBetween("AM8", "later"); err == nil {
		t.Error("IsBetween with invalid end returned nil error")
	}
}
