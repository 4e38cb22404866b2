package solar

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dokzlo13/duskd/internal/geo"
)

// Expr is a parsed solar time expression such as "@sunset - 30m"
type Expr struct {
	Raw    string
	Event  geo.Event
	Offset time.Duration
}

var (
	// Match patterns like "@dawn", "@sunset", "@noon + 30m", "sunrise - 1h30m"
	exprPattern = regexp.MustCompile(`^@?(\w+)\s*(?:([+-])\s*(\S+))?$`)
)

// ParseExpr parses an event name with an optional signed Go duration
func ParseExpr(expr string) (*Expr, error) {
	expr = strings.TrimSpace(expr)

	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("invalid time expression: %q", expr)
	}

	event, err := geo.ParseEvent(m[1])
	if err != nil {
		return nil, err
	}

	var offset time.Duration
	if m[2] != "" {
		offset, err = time.ParseDuration(m[3])
		if err != nil {
			return nil, fmt.Errorf("invalid offset in %q: %w", expr, err)
		}
		if offset < 0 {
			return nil, fmt.Errorf("invalid offset in %q: sign must precede the duration", expr)
		}
		if m[2] == "-" {
			offset = -offset
		}
	}

	return &Expr{Raw: expr, Event: event, Offset: offset}, nil
}

// Evaluate returns today's instant for the expression
func (e *Expr) Evaluate(table *ReferenceTable) (time.Time, bool) {
	ts, ok := table.Get(e.Event)
	if !ok {
		return time.Time{}, false
	}
	return ts.Add(e.Offset), true
}

// String returns the expression as written
func (e *Expr) String() string {
	return e.Raw
}
