package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

var literalUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': Day,
	'w': Week,
}

// ParseDuration converts a compact duration literal into a time.Duration.
//
// Accepted forms are "<n><unit>" with unit one of s, m, h, d, w, and a bare
// integer, which is taken as milliseconds. The prefix must be a non-negative
// decimal integer.
func ParseDuration(literal string) (time.Duration, error) {
	raw := strings.TrimSpace(literal)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty literal", ErrInvalidDuration)
	}

	unit := time.Millisecond
	num := raw
	if last := raw[len(raw)-1]; last < '0' || last > '9' {
		mul, ok := literalUnits[last]
		if !ok {
			return 0, fmt.Errorf("%w: unknown suffix in %q", ErrInvalidDuration, literal)
		}
		unit = mul
		num = raw[:len(raw)-1]
	}
	if num == "" || !isDigits(num) {
		return 0, fmt.Errorf("%w: non-numeric prefix in %q", ErrInvalidDuration, literal)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, literal, err)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, literal)
	}
	return time.Duration(n) * unit, nil
}

// MustParseDuration is ParseDuration for constant tables. It panics on error.
func MustParseDuration(literal string) time.Duration {
	d, err := ParseDuration(literal)
	if err != nil {
		panic(err)
	}
	return d
}

// FormatDuration renders d in the largest literal unit that divides it.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	for _, u := range []struct {
		suffix string
		unit   time.Duration
	}{{"w", Week}, {"d", Day}, {"h", time.Hour}, {"m", time.Minute}, {"s", time.Second}} {
		if d%u.unit == 0 {
			return strconv.FormatInt(int64(d/u.unit), 10) + u.suffix
		}
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
