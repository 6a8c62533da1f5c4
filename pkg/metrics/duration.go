package metrics

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidDuration is returned by Parse for strings Format cannot produce.
var ErrInvalidDuration = errors.New("invalid duration")

var (
	hoursPattern   = regexp.MustCompile(`^(\d+)h (\d+)m$`)
	minutesPattern = regexp.MustCompile(`^(\d+)m (\d+)s$`)
	secondsPattern = regexp.MustCompile(`^(\d+)s$`)
)

// Format renders d with its largest non-zero unit leading: "{h}h {m}m",
// "{m}m {s}s" or "{s}s". Negative durations format as "0s" and d is
// rounded to whole seconds first.
func Format(d time.Duration) string {
	h, m, s := split(d)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Quantize returns the duration Format(d) denotes, so that
// Parse(Format(d)) == Quantize(d) for every d.
func Quantize(d time.Duration) time.Duration {
	h, m, s := split(d)
	if h > 0 {
		s = 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// Parse is the inverse of Format. It only accepts canonical Format output,
// so Format(Parse(s)) == s whenever Parse succeeds.
func Parse(s string) (time.Duration, error) {
	if g := hoursPattern.FindStringSubmatch(s); g != nil {
		h, err1 := canonical(g[1])
		m, err2 := canonical(g[2])
		if err1 != nil || err2 != nil || h == 0 || m > 59 {
			return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
		}
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
	}
	if g := minutesPattern.FindStringSubmatch(s); g != nil {
		m, err1 := canonical(g[1])
		sec, err2 := canonical(g[2])
		if err1 != nil || err2 != nil || m == 0 || m > 59 || sec > 59 {
			return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
		}
		return time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	if g := secondsPattern.FindStringSubmatch(s); g != nil {
		sec, err := canonical(g[1])
		if err != nil || sec > 59 {
			return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
		}
		return time.Duration(sec) * time.Second, nil
	}
	return 0, errors.Wrapf(ErrInvalidDuration, "%q", s)
}

func split(d time.Duration) (h, m, s int64) {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	return total / 3600, (total % 3600) / 60, total % 60
}

// canonical parses a non-negative integer without leading zeros.
func canonical(digits string) (int64, error) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if strconv.FormatInt(n, 10) != digits {
		return 0, errors.New("non-canonical number")
	}
	return n, nil
}
