package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/optexec/errs"
)

// TimeOfDay is a wall-clock time in the trading zone.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, invalidTime(raw)
	}
	limits := []int{23, 59, 59}
	values := make([]int, 3)
	for i, part := range parts {
		if len(part) == 0 || len(part) > 2 {
			return TimeOfDay{}, invalidTime(raw)
		}
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 || v > limits[i] {
			return TimeOfDay{}, invalidTime(raw)
		}
		values[i] = v
	}
	return TimeOfDay{Hour: values[0], Minute: values[1], Second: values[2]}, nil
}

func invalidTime(raw string) error {
	return errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("time must be HH:MM or HH:MM:SS"), errs.WithField("time", raw))
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Next returns the first instant strictly after now at this time of day in loc.
func (t TimeOfDay) Next(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, t.Second, 0, loc)
	if !candidate.After(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour, t.Minute, t.Second, 0, loc)
	}
	return candidate
}

// NextOccurrence parses raw and returns its next occurrence after now.
func NextOccurrence(now time.Time, raw string, loc *time.Location) (time.Time, error) {
	tod, err := ParseTimeOfDay(raw)
	if err != nil {
		return time.Time{}, err
	}
	return tod.Next(now, loc), nil
}
