package scheduler

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// layouts without a zone offset, read in the scheduler's location
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseStartTime accepts RFC 3339 timestamps and offset-less date-times
// (as sent by datetime-local inputs), the latter interpreted in loc.
// The result is in UTC and truncated to milliseconds.
func ParseStartTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("startTime is required")
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return normalize(t), nil
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return normalize(t), nil
		}
	}

	return time.Time{}, fmt.Errorf("startTime %q is not a valid timestamp", value)
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// spacer pushes send times out so no more than hourlyLimit jobs fall in any hour.
// It runs the limiter on the campaign's virtual clock rather than wall time.
type spacer struct {
	limiter *rate.Limiter
}

func newSpacer(hourlyLimit int) *spacer {
	if hourlyLimit <= 0 {
		return &spacer{}
	}
	return &spacer{
		limiter: rate.NewLimiter(rate.Limit(float64(hourlyLimit)/3600.0), 1),
	}
}

// next returns the earliest send time at or after t allowed by the limit
func (s *spacer) next(t time.Time) time.Time {
	if s.limiter == nil {
		return t
	}

	wait := s.limiter.ReserveN(t, 1).DelayFrom(t)
	return t.Add(wait.Round(time.Millisecond))
}
