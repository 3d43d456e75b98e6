package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleKind selects how a recurring task is re-fired.
type ScheduleKind string

const (
	// ScheduleNone defers to the scheduler's default cadence.
	ScheduleNone            ScheduleKind = ""
	ScheduleIntervalMinutes ScheduleKind = "interval_minutes"
	ScheduleDailyTime       ScheduleKind = "daily_time"
)

// Schedule is a value type. The zero value is ScheduleNone.
type Schedule struct {
	Kind            ScheduleKind `json:"kind,omitempty"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	DailyTime       string       `json:"daily_time,omitempty"`
}

// Every returns an interval schedule. It does not validate; call Validate.
func Every(minutes int) Schedule {
	return Schedule{Kind: ScheduleIntervalMinutes, IntervalMinutes: minutes}
}

// DailyAt returns a time-of-day schedule for "HH:MM" (24h).
func DailyAt(hhmm string) Schedule {
	return Schedule{Kind: ScheduleDailyTime, DailyTime: strings.TrimSpace(hhmm)}
}

func (s Schedule) IsNone() bool { return s.Kind == ScheduleNone }

// Validate enforces: interval > 0 iff IntervalMinutes, HH:MM iff DailyTime, never both.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleNone:
		if s.IntervalMinutes != 0 || s.DailyTime != "" {
			return &ScheduleConfigError{Field: "kind", Reason: "values set without a schedule kind"}
		}
		return nil
	case ScheduleIntervalMinutes:
		if s.DailyTime != "" {
			return &ScheduleConfigError{Field: "schedule_config", Reason: "interval_minutes and daily_time are mutually exclusive"}
		}
		if s.IntervalMinutes <= 0 {
			return &ScheduleConfigError{Field: "interval_minutes", Value: strconv.Itoa(s.IntervalMinutes), Reason: "must be a positive integer"}
		}
		return nil
	case ScheduleDailyTime:
		if s.IntervalMinutes != 0 {
			return &ScheduleConfigError{Field: "schedule_config", Reason: "interval_minutes and daily_time are mutually exclusive"}
		}
		if _, _, err := ParseHHMM(s.DailyTime); err != nil {
			return &ScheduleConfigError{Field: "daily_time", Value: s.DailyTime, Reason: err.Error()}
		}
		return nil
	default:
		return &ScheduleConfigError{Field: "kind", Value: string(s.Kind), Reason: "unknown schedule kind"}
	}
}

func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleIntervalMinutes:
		return fmt.Sprintf("every %dm", s.IntervalMinutes)
	case ScheduleDailyTime:
		return "daily at " + s.DailyTime
	default:
		return "default"
	}
}

// Config returns the wire form of s.
func (s Schedule) Config() ScheduleConfig {
	var sc ScheduleConfig
	switch s.Kind {
	case ScheduleIntervalMinutes:
		n := s.IntervalMinutes
		sc.IntervalMinutes = &n
	case ScheduleDailyTime:
		d := s.DailyTime
		sc.DailyTime = &d
	}
	return sc
}

// ScheduleConfig is the wire form exchanged with the planning oracle:
// {"interval_minutes": int|null, "daily_time": "HH:MM"|null}.
type ScheduleConfig struct {
	IntervalMinutes *int    `json:"interval_minutes"`
	DailyTime       *string `json:"daily_time"`
}

// IsEmpty reports whether neither field is set.
func (c ScheduleConfig) IsEmpty() bool {
	return c.IntervalMinutes == nil && (c.DailyTime == nil || strings.TrimSpace(*c.DailyTime) == "")
}

// Schedule converts and validates the wire form. Setting both fields is a
// ScheduleConfigError, as is a non-positive interval or a malformed time.
func (c ScheduleConfig) Schedule() (Schedule, error) {
	daily := ""
	if c.DailyTime != nil {
		daily = strings.TrimSpace(*c.DailyTime)
	}
	switch {
	case c.IntervalMinutes != nil && daily != "":
		return Schedule{}, &ScheduleConfigError{Field: "schedule_config", Reason: "interval_minutes and daily_time are mutually exclusive"}
	case c.IntervalMinutes != nil:
		s := Every(*c.IntervalMinutes)
		return s, s.Validate()
	case daily != "":
		h, m, err := ParseHHMM(daily)
		if err != nil {
			return Schedule{}, &ScheduleConfigError{Field: "daily_time", Value: daily, Reason: err.Error()}
		}
		return DailyAt(fmt.Sprintf("%02d:%02d", h, m)), nil
	default:
		return Schedule{}, nil
	}
}

// UnmarshalJSON accepts the wire form as well as the internal form, so stored
// tasks and oracle payloads share one decoder.
func (s *Schedule) UnmarshalJSON(b []byte) error {
	var raw struct {
		Kind            ScheduleKind `json:"kind"`
		IntervalMinutes *int         `json:"interval_minutes"`
		DailyTime       *string      `json:"daily_time"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Kind == ScheduleNone {
		out, err := ScheduleConfig{IntervalMinutes: raw.IntervalMinutes, DailyTime: raw.DailyTime}.Schedule()
		if err != nil {
			return err
		}
		*s = out
		return nil
	}
	out := Schedule{Kind: raw.Kind}
	if raw.IntervalMinutes != nil {
		out.IntervalMinutes = *raw.IntervalMinutes
	}
	if raw.DailyTime != nil {
		out.DailyTime = *raw.DailyTime
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

// ParseHHMM parses a 24h "HH:MM" (or "H:MM") clock time.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty time")
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, 0, fmt.Errorf("expected HH:MM")
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad hour")
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minute")
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("out of range")
	}
	return h, m, nil
}

// NextDaily returns the next occurrence of hh:mm strictly after now in loc.
// A time already past today rolls to tomorrow.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
