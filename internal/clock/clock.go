// Package clock resolves short wall-clock references against today.
package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime is returned for unparseable time references
var ErrInvalidTime = errors.New("invalid time reference")

const (
	Now      = "NOW"
	Tomorrow = "TOMORROW"
)

var (
	shortPattern = regexp.MustCompile(`^(AM|PM)(0?[1-9]|1[0-2])(?::(00|15|30|45))?$`)
	refPattern   = regexp.MustCompile(`^(\d{1,2})(?::(\d{1,2}))?(?::(\d{1,2}))?$`)
)

// Clock evaluates references in one timezone
type Clock struct {
	tz  *time.Location
	now func() time.Time
}

// New creates a clock for tz
func New(tz *time.Location) *Clock {
	if tz == nil {
		tz = time.Local
	}
	return &Clock{tz: tz, now: time.Now}
}

// Now returns the current time in the clock's timezone
func (c *Clock) Now() time.Time {
	return c.now().In(c.tz)
}

func (c *Clock) midnight() time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.tz)
}

// ShortTime resolves "NOW", "TOMORROW" (next midnight) or
// (AM|PM)[H]H[:(00|15|30|45)] relative to today's midnight.
// AM12 is midnight and PM12 is noon.
func (c *Clock) ShortTime(ref string) (time.Time, error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	switch ref {
	case Now:
		return c.Now(), nil
	case Tomorrow:
		return c.midnight().AddDate(0, 0, 1), nil
	}

	m := shortPattern.FindStringSubmatch(ref)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, ref)
	}
	hour, _ := strconv.Atoi(m[2])
	minute := 0
	if m[3] != "" {
		minute, _ = strconv.Atoi(m[3])
	}

	hour %= 12
	if m[1] == "PM" {
		hour += 12
	}
	return c.midnight().Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute), nil
}

// RefTime resolves a 24 hour HH[:mm[:ss]] reference relative to today's
// midnight. "24" is the next midnight.
func (c *Clock) RefTime(ref string) (time.Time, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, ref)
	}

	parts := [3]int{}
	for i := range parts {
		if m[i+1] == "" {
			continue
		}
		parts[i], _ = strconv.Atoi(m[i+1])
	}
	h, mi, s := parts[0], parts[1], parts[2]
	if h > 24 || mi > 59 || s > 59 || (h == 24 && (mi > 0 || s > 0)) {
		return time.Time{}, fmt.Errorf("%w: %q out of range", ErrInvalidTime, ref)
	}
	return c.midnight().Add(time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second), nil
}

// IsAfter reports whether now is after the short time
func (c *Clock) IsAfter(ref string) (bool, error) {
	t, err := c.ShortTime(ref)
	if err != nil {
		return false, err
	}
	return c.Now().After(t), nil
}

// IsBefore reports whether now is before the short time
func (c *Clock) IsBefore(ref string) (bool, error) {
	t, err := c.ShortTime(ref)
	if err != nil {
		return false, err
	}
	return c.Now().Before(t), nil
}

// IsBetween reports whether now lies strictly between start and end
func (c *Clock) IsBetween(start, end string) (bool, error) {
	s, err := c.ShortTime(start)
	if err != nil {
		return false, err
	}
	e, err := c.ShortTime(end)
	if err != nil {
		return false, err
	}
	now := c.Now()
	return now.After(s) && now.Before(e), nil
}
