package monitor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Pacer decides when the next cycle runs, given the end of the previous one.
type Pacer interface {
	Next(after time.Time) time.Time
	String() string
}

type intervalPacer struct{ every time.Duration }

func (p intervalPacer) Next(after time.Time) time.Time { return after.Add(p.every) }
func (p intervalPacer) String() string                 { return "every " + p.every.String() }

type cronPacer struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

func (p cronPacer) Next(after time.Time) time.Time { return p.sched.Next(after.In(p.loc)) }
func (p cronPacer) String() string                 { return "cron " + p.expr }

// NewPacer returns a cron pacer when schedule is set, otherwise a fixed
// interval pacer. loc only matters for cron schedules.
func NewPacer(interval time.Duration, schedule string, loc *time.Location) (Pacer, error) {
	if loc == nil {
		loc = time.Local
	}
	if strings.TrimSpace(schedule) == "" {
		if interval <= 0 {
			interval = DefaultInterval
		}
		return intervalPacer{every: interval}, nil
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	if spec.Kind == SpecInterval {
		return intervalPacer{every: spec.Every}, nil
	}
	sched, err := cron.ParseStandard(spec.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", spec.Cron, err)
	}
	return cronPacer{expr: spec.Cron, sched: sched, loc: loc}, nil
}

// cadenceSamples is how many successive cron fires CheckCadence inspects.
const cadenceSamples = 64

// CheckCadence rejects a pacer that fires more often than floor. A fixed
// interval must also stay within ceil; cron schedules may leave longer gaps,
// such as overnight, so only their shortest gap is checked.
func CheckCadence(p Pacer, floor, ceil time.Duration, from time.Time) error {
	switch pc := p.(type) {
	case intervalPacer:
		if pc.every < floor || (ceil > 0 && pc.every > ceil) {
			return fmt.Errorf("interval %s must be between %s and %s", pc.every, floor, ceil)
		}
		return nil
	case cronPacer:
		prev := pc.Next(from)
		for i := 0; i < cadenceSamples && !prev.IsZero(); i++ {
			next := pc.Next(prev)
			if next.IsZero() {
				break
			}
			if gap := next.Sub(prev); gap < floor {
				return fmt.Errorf("cron %q fires %s apart, minimum is %s", pc.expr, gap, floor)
			}
			prev = next
		}
		return nil
	default:
		return fmt.Errorf("unknown pacer %T", p)
	}
}

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - cron: "*/30 7-22 * * *", "@hourly", "@every 45m"
//   - duration: "45m", "1h30m"
//   - HH:MM interval: "00:45", "01:30"
//
// "cron:" forces cron parsing, "interval:" and "every:" force interval parsing.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	spec, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '00:45', or duration like '45m')", raw)
	}
	return spec, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '45m')", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
