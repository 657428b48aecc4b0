package monitor

import (
	"context"
	"time"
)

// Credentials authenticate the extractor against the portal.
type Credentials struct {
	Username string
	Password string
}

// Locator tells the extractor where the monitored value lives.
type Locator struct {
	LoginURL   string
	TargetURL  string
	ValueXPath string
}

// Extractor logs in, navigates to the target page and returns the trimmed
// text found at the locator. Failures should be *ExtractionError values.
type Extractor interface {
	Extract(ctx context.Context, creds Credentials, loc Locator) (string, error)
}

// Notifier delivers a text message to its preconfigured destination.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// NotifierFactory builds a Notifier for a destination and credential.
// It is called once per Start.
type NotifierFactory func(destination, token string) (Notifier, error)

// Observation is a successfully extracted value. Immutable once created.
type Observation struct {
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Cause says why a notification was sent.
type Cause string

const (
	CauseNone   Cause = "none"
	CauseStart  Cause = "start"
	CauseUpdate Cause = "update"
)

// NotificationEvent is transient and never persisted.
type NotificationEvent struct {
	Message  string
	CausedBy Cause
}

// Messages overrides notification texts. "{value}" and "{portal}" are substituted.
type Messages struct {
	Active string
	Update string
}

// Settings is everything the engine consumes at start time.
type Settings struct {
	// Portal is a display name used in messages and logs.
	Portal string

	Credentials Credentials
	Locator     Locator

	// Destination and Token configure the Notifier; both are required.
	Destination string
	Token       string

	// Interval is the exact wait between cycles. Schedule, when set,
	// replaces it (cron expression or interval form, see ParseSchedule).
	Interval time.Duration
	Schedule string
	Location *time.Location

	ExtractTimeout time.Duration
	NotifyTimeout  time.Duration

	Messages Messages
}

// Status is a read-only copy of the scheduler state for control surfaces.
type Status struct {
	State     State        `json:"state"`
	RunID     string       `json:"run_id,omitempty"`
	Portal    string       `json:"portal,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	LastGood  *Observation `json:"last_good,omitempty"`
	// LastAttempt is the time of the most recent cycle, successful or not.
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	NextCycleAt time.Time `json:"next_cycle_at,omitempty"`

	Cycles              uint64 `json:"cycles"`
	Failures            uint64 `json:"failures"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
	Notifications       uint64 `json:"notifications"`
	NotifyFailures      uint64 `json:"notify_failures"`

	LastFailure *TransientFailure `json:"last_failure,omitempty"`
}

// LastCheck is the timestamp of the last successful extraction.
func (s Status) LastCheck() time.Time {
	if s.LastGood == nil {
		return time.Time{}
	}
	return s.LastGood.Timestamp
}

const (
	DefaultInterval       = 30 * time.Minute
	DefaultExtractTimeout = 25 * time.Second
	DefaultNotifyTimeout  = 10 * time.Second
)
