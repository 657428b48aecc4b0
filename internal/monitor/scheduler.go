package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "portalwatch/pkg/logx"
)

// Scheduler drives the poll loop and owns the monitor state.
//
// At most one run exists at a time, and a run has exactly one loop goroutine,
// so no two cycles, extractions or notifications ever overlap. The loop is the
// only writer of the run state; control surfaces read copies via Status.
type Scheduler struct {
	extractor   Extractor
	newNotifier NotifierFactory

	log     logx.Logger
	events  *EventLog
	now     func() time.Time
	spawn   func(name string, fn func(ctx context.Context))
	onState func(Status)

	mu     sync.Mutex
	status Status
	cur    *run
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithEventLog shares an event log (and its sinks) with the scheduler.
func WithEventLog(l *EventLog) Option {
	return func(s *Scheduler) { s.events = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSpawner runs the loop goroutine through spawn (e.g. a supervisor)
// instead of a bare go statement. The ctx handed to fn bounds the run.
func WithSpawner(spawn func(name string, fn func(ctx context.Context))) Option {
	return func(s *Scheduler) { s.spawn = spawn }
}

// WithStateHook is called after every state transition.
func WithStateHook(fn func(Status)) Option {
	return func(s *Scheduler) { s.onState = fn }
}

// New builds a stopped scheduler. Runs are bound to ctx unless a spawner is set.
func New(ctx context.Context, extractor Extractor, newNotifier NotifierFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		extractor:   extractor,
		newNotifier: newNotifier,
		log:         logx.Nop(),
		now:         time.Now,
		status:      Status{State: StateStopped},
	}
	s.spawn = func(_ string, fn func(context.Context)) { go fn(ctx) }
	for _, o := range opts {
		o(s)
	}
	if s.events == nil {
		s.events = NewEventLog(DefaultEventLogSize)
	}
	return s
}

// run is one Start..Stop lifetime.
type run struct {
	id       string
	settings Settings
	pacer    Pacer
	disp     dispatcher
	log      logx.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Loop-owned.
	lastGood *Observation
}

func (r *run) requestStop() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *run) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (s *Scheduler) Events() *EventLog { return s.events }

// Status returns a copy of the current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.clone()
}

func (st Status) clone() Status {
	if st.LastGood != nil {
		obs := *st.LastGood
		st.LastGood = &obs
	}
	if st.LastFailure != nil {
		f := *st.LastFailure
		st.LastFailure = &f
	}
	return st
}

// Start validates the notifier settings and launches the loop.
//
// It returns ErrAlreadyRunning unless the scheduler is stopped, and a
// *ConfigurationError when the notifier cannot be configured; in both cases
// no extraction is attempted and the state is left as it was.
func (s *Scheduler) Start(ctx context.Context, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.status.State != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.status.State = StateStarting
	st := s.status.clone()
	s.mu.Unlock()
	s.emitState(st)

	r, err := s.prepare(settings)
	if err != nil {
		s.mu.Lock()
		s.status.State = StateStopped
		st := s.status.clone()
		s.mu.Unlock()
		s.emitState(st)
		s.log.Warn("monitor start rejected", logx.Err(err))
		return err
	}

	s.mu.Lock()
	s.cur = r
	s.status = Status{
		State:     StateRunning,
		RunID:     r.id,
		Portal:    settings.Portal,
		StartedAt: s.now(),
	}
	st = s.status.clone()
	s.mu.Unlock()
	s.emitState(st)

	s.record(r, Event{Kind: EventStarted, Message: "monitoring started (" + r.pacer.String() + ")"})
	r.log.Info("monitor started", logx.String("pace", r.pacer.String()), logx.String("portal", settings.Portal))
	s.spawn("monitor.loop", func(ctx context.Context) { s.loop(ctx, r) })
	return nil
}

func (s *Scheduler) prepare(settings Settings) (*run, error) {
	if strings.TrimSpace(settings.Destination) == "" {
		return nil, &ConfigurationError{Field: "destination", Err: errors.New("notifier destination is required")}
	}
	if strings.TrimSpace(settings.Token) == "" {
		return nil, &ConfigurationError{Field: "token", Err: errors.New("notifier token is required")}
	}
	if s.newNotifier == nil {
		return nil, &ConfigurationError{Field: "notifier", Err: errors.New("no notifier factory")}
	}
	if s.extractor == nil {
		return nil, &ConfigurationError{Field: "extractor", Err: errors.New("no extractor")}
	}
	pacer, err := NewPacer(settings.Interval, settings.Schedule, settings.Location)
	if err != nil {
		return nil, &ConfigurationError{Field: "schedule", Err: err}
	}
	n, err := s.newNotifier(settings.Destination, settings.Token)
	if err != nil {
		return nil, &ConfigurationError{Field: "notifier", Err: err}
	}
	if settings.ExtractTimeout <= 0 {
		settings.ExtractTimeout = DefaultExtractTimeout
	}

	id := uuid.NewString()
	log := s.log.With(logx.String("run_id", id))
	return &run{
		id:       id,
		settings: settings,
		pacer:    pacer,
		disp:     dispatcher{notifier: n, timeout: settings.NotifyTimeout, log: log},
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Stop asks the loop to exit and waits for it (bounded by ctx). A pending
// wait is cut short; an in-flight extraction is not.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	changed := s.status.State == StateRunning
	if changed {
		s.status.State = StateStopping
	}
	r.requestStop()
	st := s.status.clone()
	s.mu.Unlock()
	if changed {
		s.emitState(st)
		r.log.Info("monitor stop requested")
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer s.finish(r)

	s.dispatch(ctx, r, r.settings.Messages.active(r.settings.Portal))
	for {
		if r.stopRequested() || ctx.Err() != nil {
			return
		}
		s.cycle(ctx, r)

		next := r.pacer.Next(s.now())
		s.update(r, func(st *Status) { st.NextCycleAt = next })
		if !s.wait(ctx, r, next) {
			return
		}
	}
}

// wait blocks until next, a stop request or ctx cancellation. It reports
// whether the loop should run another cycle.
func (s *Scheduler) wait(ctx context.Context, r *run, next time.Time) bool {
	d := next.Sub(s.now())
	if d <= 0 {
		return !r.stopRequested()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) cycle(ctx context.Context, r *run) {
	s.record(r, Event{Kind: EventCycleStart, Message: "checking portal"})

	out := s.extract(ctx, r)
	if !out.Success() {
		f := out.Failure
		at := s.now()
		r.log.Warn("extraction failed", logx.String("kind", string(f.Kind)), logx.String("reason", f.Reason))
		s.update(r, func(st *Status) {
			st.Cycles++
			st.Failures++
			st.ConsecutiveFailures++
			st.LastAttempt = at
			st.LastFailure = f
		})
		s.record(r, Event{
			Kind:    EventFailure,
			Message: "extraction failed (" + string(f.Kind) + ")",
			Failure: f.Kind,
			Reason:  f.Reason,
		})
		return
	}

	obs := out.Observation
	prev := r.lastGood
	verdict := Compare(prev, obs)
	r.lastGood = &obs
	s.update(r, func(st *Status) {
		st.Cycles++
		st.ConsecutiveFailures = 0
		st.LastAttempt = obs.Timestamp
		cp := obs
		st.LastGood = &cp
	})

	if verdict == Changed {
		r.log.Info("value changed", logx.String("previous", prev.Value), logx.String("value", obs.Value))
		s.record(r, Event{Kind: EventDelta, Message: "delta detected", Value: obs.Value, Previous: prev.Value})
		s.dispatch(ctx, r, r.settings.Messages.update(r.settings.Portal, obs.Value))
	} else {
		r.log.Debug("value stable", logx.String("value", obs.Value))
	}
	s.record(r, Event{Kind: EventStable, Message: "verified", Value: obs.Value})
}

// extract runs one bounded extraction. Panics become FailurePanic outcomes.
func (s *Scheduler) extract(ctx context.Context, r *run) (out CycleOutcome) {
	ectx, cancel := context.WithTimeout(ctx, r.settings.ExtractTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("extractor panicked", logx.Any("panic", rec))
			out = Classify("", NewExtractionError(FailurePanic, "extract", fmt.Errorf("%v", rec)), s.now())
		}
	}()

	v, err := s.extractor.Extract(ectx, r.settings.Credentials, r.settings.Locator)
	if err != nil && errors.Is(ectx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return Classify(v, err, s.now())
}

func (s *Scheduler) dispatch(ctx context.Context, r *run, n NotificationEvent) {
	if err := r.disp.send(ctx, n); err != nil {
		s.update(r, func(st *Status) { st.NotifyFailures++ })
		s.record(r, Event{
			Kind:    EventNotifyFailed,
			Message: "notification (" + string(n.CausedBy) + ") not delivered",
			Reason:  err.Error(),
		})
		return
	}
	s.update(r, func(st *Status) { st.Notifications++ })
}

func (s *Scheduler) finish(r *run) {
	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
		s.status.State = StateStopped
		s.status.NextCycleAt = time.Time{}
	}
	st := s.status.clone()
	s.mu.Unlock()

	s.record(r, Event{Kind: EventStopped, Message: "monitoring stopped"})
	r.log.Info("monitor stopped", logx.Uint64("cycles", st.Cycles), logx.Uint64("failures", st.Failures))
	s.emitState(st)
}

// update mutates the published status of r, if r is still current.
func (s *Scheduler) update(r *run, fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != r {
		return
	}
	fn(&s.status)
}

func (s *Scheduler) record(r *run, e Event) {
	e.RunID = r.id
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.events.Append(e)
}

func (s *Scheduler) emitState(st Status) {
	if s.onState != nil {
		s.onState(st)
	}
}
