package heartbeat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// recurrence answers whether a run is due given the previous run.
type recurrence interface {
	due(last, now time.Time) bool
}

type interval time.Duration

func (i interval) due(last, now time.Time) bool { return now.Sub(last) >= time.Duration(i) }

type cronRecurrence struct{ sched cronlib.Schedule }

func (c cronRecurrence) due(last, now time.Time) bool { return !c.sched.Next(last).After(now) }

// parseEvery accepts a Go duration ("30m", "2h"), a day count ("1d"), or a
// five-field cron expression or descriptor ("0 9 * * *", "@daily").
func parseEvery(every string) (recurrence, error) {
	every = strings.TrimSpace(every)
	if every == "" {
		return nil, fmt.Errorf("empty interval")
	}
	if strings.HasPrefix(every, "@") || strings.Contains(every, " ") {
		sched, err := cronParser.Parse(every)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", every, err)
		}
		return cronRecurrence{sched: sched}, nil
	}
	if days, ok := strings.CutSuffix(every, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("parse interval %q", every)
		}
		return interval(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(every)
	if err != nil {
		return nil, fmt.Errorf("parse interval %q: %w", every, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval %q must be positive", every)
	}
	return interval(d), nil
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("clock %q: bad hour", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("clock %q: bad minute", s)
	}
	return hh*60 + mm, nil
}

// withinActiveHours reports whether now falls in [start, end). An empty or
// degenerate window covers the whole day; start > end wraps past midnight.
func withinActiveHours(start, end string, now time.Time) (bool, error) {
	if start == "" || end == "" {
		return true, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return false, err
	}
	e, err := parseClock(end)
	if err != nil {
		return false, err
	}
	if s == e || (s == 0 && e == 24*60) {
		return true, nil
	}
	t := now.Hour()*60 + now.Minute()
	if s < e {
		return t >= s && t < e, nil
	}
	return t >= s || t < e, nil
}

func validateSpec(spec Spec) error {
	if _, err := parseEvery(spec.Every); err != nil {
		return err
	}
	if (spec.ActiveStart == "") != (spec.ActiveEnd == "") {
		return fmt.Errorf("active hours need both start and end")
	}
	if _, err := withinActiveHours(spec.ActiveStart, spec.ActiveEnd, time.Time{}); err != nil {
		return err
	}
	return nil
}
