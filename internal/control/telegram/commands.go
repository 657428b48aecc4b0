package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"portalwatch/internal/monitor"
)

// Controller is the slice of the app the commands drive.
type Controller interface {
	StartMonitor(ctx context.Context) error
	StopMonitor(ctx context.Context) error
	Status() monitor.Status
	Events(n int) []monitor.Event
}

const (
	defaultEventsShown = 10
	maxEventsShown     = 50
)

// Commands builds the command set. loc formats timestamps.
func Commands(ctl Controller, loc *time.Location) []Command {
	if loc == nil {
		loc = time.Local
	}
	cmds := []Command{
		{
			Name:        "watch_start",
			Description: "start monitoring the portal",
			Usage:       "/watch_start",
			Handle: func(ctx context.Context, _ *Request) (string, error) {
				err := ctl.StartMonitor(ctx)
				var cfgErr *monitor.ConfigurationError
				switch {
				case err == nil:
					return "Monitoring started.", nil
				case errors.Is(err, monitor.ErrAlreadyRunning):
					return "Monitoring is already running.", nil
				case errors.As(err, &cfgErr):
					return "Cannot start: " + cfgErr.Error(), nil
				default:
					return "", err
				}
			},
		},
		{
			Name:        "watch_stop",
			Description: "stop monitoring",
			Usage:       "/watch_stop",
			Handle: func(ctx context.Context, _ *Request) (string, error) {
				err := ctl.StopMonitor(ctx)
				switch {
				case err == nil:
					return "Monitoring stopped.", nil
				case errors.Is(err, monitor.ErrNotRunning):
					return "Monitoring is not running.", nil
				default:
					return "", err
				}
			},
		},
		{
			Name:        "status",
			Description: "show the monitor state and last value",
			Usage:       "/status",
			Handle: func(_ context.Context, _ *Request) (string, error) {
				return FormatStatus(ctl.Status(), loc), nil
			},
		},
		{
			Name:        "events",
			Description: "show recent monitor events",
			Usage:       "/events [n]",
			Handle: func(_ context.Context, req *Request) (string, error) {
				n := defaultEventsShown
				if len(req.Args) > 0 {
					v, err := strconv.Atoi(req.Args[0])
					if err != nil || v <= 0 {
						return "Usage: /events [n]", nil
					}
					n = min(v, maxEventsShown)
				}
				return FormatEvents(ctl.Events(n), loc), nil
			},
		},
	}
	help := Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "/help",
	}
	help.Handle = func(context.Context, *Request) (string, error) {
		return helpText(append(cmds, help)), nil
	}
	return append(cmds, help)
}

func helpText(cmds []Command) string {
	var b strings.Builder
	b.WriteString("Portal monitor commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func fmtTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "never"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

// FormatStatus renders a status reply.
func FormatStatus(st monitor.Status, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Portal monitor: %s\n", st.State)
	if st.Portal != "" {
		fmt.Fprintf(&b, "Portal: %s\n", st.Portal)
	}
	if st.LastGood != nil {
		fmt.Fprintf(&b, "Last value: %q\n", st.LastGood.Value)
	} else {
		b.WriteString("Last value: none yet\n")
	}
	fmt.Fprintf(&b, "Last check: %s\n", fmtTime(st.LastCheck(), loc))
	fmt.Fprintf(&b, "Last attempt: %s\n", fmtTime(st.LastAttempt, loc))
	if st.State == monitor.StateRunning {
		fmt.Fprintf(&b, "Next check: %s\n", fmtTime(st.NextCycleAt, loc))
	}
	fmt.Fprintf(&b, "Cycles: %d, failures: %d (consecutive %d)\n", st.Cycles, st.Failures, st.ConsecutiveFailures)
	fmt.Fprintf(&b, "Notifications: %d sent, %d failed", st.Notifications, st.NotifyFailures)
	if st.LastFailure != nil && st.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "\nLast failure: %s (%s)", st.LastFailure.Kind, st.LastFailure.Reason)
	}
	return b.String()
}

// FormatEvents renders events oldest first, one per line.
func FormatEvents(events []monitor.Event, loc *time.Location) string {
	if len(events) == 0 {
		return "No events yet."
	}
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s [%s] %s", e.At.In(loc).Format("01-02 15:04:05"), e.Kind, e.Message)
		if e.Kind == monitor.EventStable || e.Kind == monitor.EventDelta {
			fmt.Fprintf(&b, " value=%q", e.Value)
		}
		if e.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", e.Reason)
		}
	}
	return b.String()
}
