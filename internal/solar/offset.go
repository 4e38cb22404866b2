package solar

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidOffset is returned for offsets that cannot be resolved
var ErrInvalidOffset = errors.New("invalid offset")

// maxDynamicDepth bounds Dynamic offsets returning further Dynamic offsets
const maxDynamicDepth = 8

// Offset is a signed duration relative to a solar event. It is one of
// Milliseconds, UnitTuple, ISOPartial, UnitMap, Fixed, Dynamic or Invalid.
type Offset interface {
	isOffset()
}

// Milliseconds is a raw millisecond count
type Milliseconds float64

// UnitTuple is a quantity of one unit, e.g. {-30, UnitMinutes}
type UnitTuple struct {
	Quantity float64
	Unit     Unit
}

// ISOPartial is a partial ISO-8601 time duration such as "1H30M" or "45s".
// An optional "PT" prefix and a leading "-" are accepted.
type ISOPartial string

// UnitMap sums the contribution of each unit
type UnitMap map[Unit]float64

// Fixed is an already built duration
type Fixed time.Duration

// Dynamic is evaluated at every resolution and may return any Offset
type Dynamic func() Offset

// Invalid carries the error of an offset that could not be produced,
// e.g. a scripted offset that raised.
type Invalid struct {
	Err error
}

func (Milliseconds) isOffset() {}
func (UnitTuple) isOffset()    {}
func (ISOPartial) isOffset()   {}
func (UnitMap) isOffset()      {}
func (Fixed) isOffset()        {}
func (Dynamic) isOffset()      {}
func (Invalid) isOffset()      {}

// Unit is a calendar or clock unit
type Unit string

const (
	UnitYears        Unit = "years"
	UnitMonths       Unit = "months"
	UnitWeeks        Unit = "weeks"
	UnitDays         Unit = "days"
	UnitHours        Unit = "hours"
	UnitMinutes      Unit = "minutes"
	UnitSeconds      Unit = "seconds"
	UnitMilliseconds Unit = "milliseconds"
)

// Years and months are fixed-length: 365 and 30 days.
var unitDurations = map[Unit]time.Duration{
	UnitYears:        365 * 24 * time.Hour,
	UnitMonths:       30 * 24 * time.Hour,
	UnitWeeks:        7 * 24 * time.Hour,
	UnitDays:         24 * time.Hour,
	UnitHours:        time.Hour,
	UnitMinutes:      time.Minute,
	UnitSeconds:      time.Second,
	UnitMilliseconds: time.Millisecond,
}

var unitAliases = map[string]Unit{
	"y": UnitYears, "year": UnitYears, "years": UnitYears,
	"month": UnitMonths, "months": UnitMonths,
	"w": UnitWeeks, "week": UnitWeeks, "weeks": UnitWeeks,
	"d": UnitDays, "day": UnitDays, "days": UnitDays,
	"h": UnitHours, "hour": UnitHours, "hours": UnitHours,
	"m": UnitMinutes, "minute": UnitMinutes, "minutes": UnitMinutes,
	"s": UnitSeconds, "second": UnitSeconds, "seconds": UnitSeconds,
	"ms": UnitMilliseconds, "millisecond": UnitMilliseconds, "milliseconds": UnitMilliseconds,
}

// ParseUnit resolves singular, plural and short unit names
func ParseUnit(s string) (Unit, error) {
	if u, ok := unitAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidOffset, s)
}

var isoPartialPattern = regexp.MustCompile(`^(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// Resolve converts an offset into a duration. A nil offset is zero.
func Resolve(o Offset) (time.Duration, error) {
	return resolve(o, 0)
}

func resolve(o Offset, depth int) (time.Duration, error) {
	switch v := o.(type) {
	case nil:
		return 0, nil
	case Dynamic:
		if v == nil {
			return 0, nil
		}
		if depth >= maxDynamicDepth {
			return 0, fmt.Errorf("%w: dynamic offset nested deeper than %d", ErrInvalidOffset, maxDynamicDepth)
		}
		return resolve(v(), depth+1)
	case UnitTuple:
		return unitDuration(v.Unit, v.Quantity)
	case Fixed:
		return time.Duration(v), nil
	case UnitMap:
		var total time.Duration
		for u, q := range v {
			d, err := unitDuration(u, q)
			if err != nil {
				return 0, err
			}
			total += d
		}
		return total, nil
	case ISOPartial:
		return parseISOPartial(string(v))
	case Milliseconds:
		return scale(float64(v), time.Millisecond)
	case Invalid:
		return 0, fmt.Errorf("%w: %v", ErrInvalidOffset, v.Err)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidOffset, o)
	}
}

func unitDuration(u Unit, quantity float64) (time.Duration, error) {
	base, ok := unitDurations[u]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidOffset, u)
	}
	return scale(quantity, base)
}

func scale(quantity float64, base time.Duration) (time.Duration, error) {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return 0, fmt.Errorf("%w: quantity %v", ErrInvalidOffset, quantity)
	}
	d := math.Round(quantity * float64(base))
	if math.Abs(d) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v overflows", ErrInvalidOffset, quantity)
	}
	return time.Duration(d), nil
}

func parseISOPartial(s string) (time.Duration, error) {
	raw := s
	s = strings.ToUpper(strings.TrimSpace(s))

	sign := time.Duration(1)
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "PT")

	m := isoPartialPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("%w: %q is not an hours/minutes/seconds duration", ErrInvalidOffset, raw)
	}

	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidOffset, raw, err)
		}
		total += time.Duration(n) * unit
	}
	return sign * total, nil
}
