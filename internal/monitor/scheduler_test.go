package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one scripted extraction result.
type step struct {
	value string
	err   error
	panic bool
}

func ok(v string) step { return step{value: v} }

func fail(kind FailureKind) step {
	return step{err: NewExtractionError(kind, "read value", errors.New("scripted failure"))}
}

type fakeExtractor struct {
	mu     sync.Mutex
	script []step
	n      int
	// onCall runs after the scripted result is picked, with the 1-based call number.
	onCall func(n int)
	// block makes every call wait for ctx.
	block bool
}

func (f *fakeExtractor) Extract(ctx context.Context, _ Credentials, _ Locator) (string, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	var st step
	if n <= len(f.script) {
		st = f.script[n-1]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if st.panic {
		panic("scraper exploded")
	}
	return st.value, st.err
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	err   error
	block bool
}

func (f *fakeNotifier) Send(ctx context.Context, msg string) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	err := f.err
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeNotifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func factoryFor(n Notifier) NotifierFactory {
	return func(string, string) (Notifier, error) { return n, nil }
}

func testSettings() Settings {
	return Settings{
		Portal:         "Grades",
		Credentials:    Credentials{Username: "alice", Password: "secret"},
		Locator:        Locator{LoginURL: "https://portal.test/login", TargetURL: "https://portal.test/grades", ValueXPath: "//td"},
		Destination:    "12345",
		Token:          "123:abc",
		Interval:       time.Millisecond,
		ExtractTimeout: time.Second,
		NotifyTimeout:  time.Second,
	}
}

// runScript starts a scheduler, lets the extractor play script once and
// stops the loop right after the last scripted cycle.
func runScript(t *testing.T, script []step) (*Scheduler, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	ex := &fakeExtractor{script: script}
	s := New(context.Background(), ex, factoryFor(n))

	stopped := make(chan error, 1)
	ex.onCall = func(call int) {
		if call != len(script) {
			return
		}
		go func() { stopped <- s.Stop(context.Background()) }()
		// Stop flips the state under the same lock that requests the stop,
		// so once we see stopping the loop cannot start another cycle.
		assert.Eventually(t, func() bool { return s.Status().State == StateStopping }, 2*time.Second, time.Millisecond)
	}

	require.NoError(t, s.Start(context.Background(), testSettings()))
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("script did not finish")
	}
	assert.Equal(t, len(script), ex.calls())
	assert.Equal(t, StateStopped, s.Status().State)
	return s, n
}

func TestScenarioStableFailureThenChange(t *testing.T) {
	t.Parallel()
	s, n := runScript(t, []step{ok("A"), ok("A"), fail(FailureTimeout), ok("A"), ok("B")})

	msgs := n.messages()
	require.Len(t, msgs, 2, "start announcement plus one change")
	assert.Equal(t, "Portal monitor: ACTIVE and watching Grades", msgs[0])
	assert.Equal(t, "PORTAL UPDATE DETECTED!\nNew Value: B", msgs[1])

	st := s.Status()
	require.NotNil(t, st.LastGood)
	assert.Equal(t, "B", st.LastGood.Value)
	assert.Equal(t, uint64(5), st.Cycles)
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(2), st.Notifications)

	ev := s.Events()
	assert.Equal(t, 5, ev.Count(EventCycleStart))
	assert.Equal(t, 4, ev.Count(EventStable))
	assert.Equal(t, 1, ev.Count(EventDelta))
	assert.Equal(t, 1, ev.Count(EventFailure))
	assert.Equal(t, 1, ev.Count(EventStarted))
	assert.Equal(t, 1, ev.Count(EventStopped))
}

func TestScenarioFailuresBeforeFirstSuccess(t *testing.T) {
	t.Parallel()
	s, n := runScript(t, []step{fail(FailureNavigation), fail(FailureElementNotFound), ok("X")})

	assert.Equal(t, 1, n.calls(), "only the start announcement")
	st := s.Status()
	require.NotNil(t, st.LastGood)
	assert.Equal(t, "X", st.LastGood.Value)
	assert.Equal(t, uint64(0), st.ConsecutiveFailures)
	assert.Equal(t, 2, s.Events().Count(EventFailure))
	assert.Equal(t, 0, s.Events().Count(EventDelta))

	var kinds []FailureKind
	for _, e := range s.Events().Recent(0) {
		if e.Kind == EventFailure {
			kinds = append(kinds, e.Failure)
		}
	}
	assert.Equal(t, []FailureKind{FailureNavigation, FailureElementNotFound}, kinds)
}

func TestEqualValuesNeverNotify(t *testing.T) {
	t.Parallel()
	_, n := runScript(t, []step{ok("same"), ok("same"), ok("same"), ok("same")})
	assert.Equal(t, 1, n.calls())
}

func TestEveryChangeNotifiesOnceWithNewValue(t *testing.T) {
	t.Parallel()
	_, n := runScript(t, []step{ok("1"), ok("2"), ok("2"), ok("3"), ok("")})
	assert.Equal(t, []string{
		"Portal monitor: ACTIVE and watching Grades",
		"PORTAL UPDATE DETECTED!\nNew Value: 2",
		"PORTAL UPDATE DETECTED!\nNew Value: 3",
		"PORTAL UPDATE DETECTED!\nNew Value: ",
	}, n.messages())
}

func TestFirstSuccessNeverNotifies(t *testing.T) {
	t.Parallel()
	_, n := runScript(t, []step{ok("anything")})
	assert.Equal(t, 1, n.calls())
}

func TestFailureBetweenEqualValuesKeepsLastGood(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	ex := &fakeExtractor{script: []step{ok("A"), fail(FailureBrowser), ok("A")}}
	s := New(context.Background(), ex, factoryFor(n))

	var afterFailure *Observation
	stopped := make(chan error, 1)
	ex.onCall = func(call int) {
		switch call {
		case 3:
			afterFailure = s.Status().LastGood
			go func() { stopped <- s.Stop(context.Background()) }()
			assert.Eventually(t, func() bool { return s.Status().State == StateStopping }, 2*time.Second, time.Millisecond)
		}
	}
	require.NoError(t, s.Start(context.Background(), testSettings()))
	require.NoError(t, <-stopped)

	require.NotNil(t, afterFailure)
	assert.Equal(t, "A", afterFailure.Value)
	assert.Equal(t, 1, n.calls())
	assert.Equal(t, "A", s.Status().LastGood.Value)
}

func TestStartWithoutNotifierConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		dest  string
		token string
		field string
	}{
		{name: "no destination", token: "t", field: "destination"},
		{name: "no token", dest: "1", field: "token"},
		{name: "blank both", dest: " ", token: " ", field: "destination"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ex := &fakeExtractor{}
			built := false
			s := New(context.Background(), ex, func(string, string) (Notifier, error) {
				built = true
				return &fakeNotifier{}, nil
			})

			st := testSettings()
			st.Destination, st.Token = tc.dest, tc.token
			err := s.Start(context.Background(), st)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
			assert.Equal(t, StateStopped, s.Status().State)
			assert.False(t, built)
			time.Sleep(10 * time.Millisecond)
			assert.Equal(t, 0, ex.calls())
		})
	}
}

func TestStartNotifierFactoryFailure(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{}
	s := New(context.Background(), ex, func(string, string) (Notifier, error) {
		return nil, errors.New("bad token format")
	})
	err := s.Start(context.Background(), testSettings())

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "notifier", cfgErr.Field)
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Equal(t, 0, ex.calls())
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), &fakeExtractor{}, factoryFor(&fakeNotifier{}))
	st := testSettings()
	st.Schedule = "cron: not a cron"
	var cfgErr *ConfigurationError
	require.ErrorAs(t, s.Start(context.Background(), st), &cfgErr)
	assert.Equal(t, "schedule", cfgErr.Field)
}

func TestStopDuringWaitPreventsNextExtraction(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	ex := &fakeExtractor{script: []step{ok("A"), ok("B")}}
	s := New(context.Background(), ex, factoryFor(n))

	st := testSettings()
	st.Interval = time.Hour
	require.NoError(t, s.Start(context.Background(), st))
	require.Eventually(t, func() bool { return !s.Status().NextCycleAt.IsZero() }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, 1, ex.calls())
	assert.Equal(t, StateStopped, s.Status().State)
	assert.ErrorIs(t, s.Stop(ctx), ErrNotRunning)
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), &fakeExtractor{script: []step{ok("A")}}, factoryFor(&fakeNotifier{}))
	st := testSettings()
	st.Interval = time.Hour
	require.NoError(t, s.Start(context.Background(), st))
	assert.ErrorIs(t, s.Start(context.Background(), st), ErrAlreadyRunning)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRestartResetsLastGood(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	ex := &fakeExtractor{script: []step{ok("A"), ok("B")}}
	s := New(context.Background(), ex, factoryFor(n))
	st := testSettings()
	st.Interval = time.Hour

	require.NoError(t, s.Start(context.Background(), st))
	require.Eventually(t, func() bool { return s.Status().LastGood != nil }, 2*time.Second, time.Millisecond)
	firstRun := s.Status().RunID
	require.NoError(t, s.Stop(context.Background()))

	require.NoError(t, s.Start(context.Background(), st))
	require.Eventually(t, func() bool { return s.Status().LastGood != nil }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.NotEqual(t, firstRun, s.Status().RunID)
	assert.Equal(t, "B", s.Status().LastGood.Value)
	assert.Equal(t, 2, n.calls(), "two start announcements; B is a new baseline")
}

func TestNotifyFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{err: errors.New("telegram: 502")}
	ex := &fakeExtractor{script: []step{ok("A"), ok("B"), ok("C")}}
	s := New(context.Background(), ex, factoryFor(n))

	stopped := make(chan error, 1)
	ex.onCall = func(call int) {
		if call == 3 {
			go func() { stopped <- s.Stop(context.Background()) }()
			assert.Eventually(t, func() bool { return s.Status().State == StateStopping }, 2*time.Second, time.Millisecond)
		}
	}
	require.NoError(t, s.Start(context.Background(), testSettings()))
	require.NoError(t, <-stopped)

	assert.Equal(t, 3, n.calls(), "start + two changes, none retried")
	assert.Equal(t, 3, s.Events().Count(EventNotifyFailed))
	st := s.Status()
	assert.Equal(t, uint64(3), st.NotifyFailures)
	assert.Equal(t, uint64(0), st.Notifications)
	assert.Equal(t, "C", st.LastGood.Value)
}

func TestExtractTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{block: true}
	s := New(context.Background(), ex, factoryFor(&fakeNotifier{}))
	st := testSettings()
	st.Interval = time.Hour
	st.ExtractTimeout = 20 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), st))
	require.Eventually(t, func() bool { return s.Events().Count(EventFailure) == 1 }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	f := s.Status().LastFailure
	require.NotNil(t, f)
	assert.Equal(t, FailureTimeout, f.Kind)
	assert.Nil(t, s.Status().LastGood)
}

func TestExtractorPanicIsTransient(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{script: []step{{panic: true}, ok("A")}}
	s := New(context.Background(), ex, factoryFor(&fakeNotifier{}))

	stopped := make(chan error, 1)
	ex.onCall = func(call int) {
		if call == 2 {
			go func() { stopped <- s.Stop(context.Background()) }()
			assert.Eventually(t, func() bool { return s.Status().State == StateStopping }, 2*time.Second, time.Millisecond)
		}
	}
	require.NoError(t, s.Start(context.Background(), testSettings()))
	require.NoError(t, <-stopped)

	var kinds []FailureKind
	for _, e := range s.Events().Recent(0) {
		if e.Kind == EventFailure {
			kinds = append(kinds, e.Failure)
		}
	}
	assert.Equal(t, []FailureKind{FailurePanic}, kinds)
	assert.Equal(t, "A", s.Status().LastGood.Value)
}

func TestParentCancelEndsRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &fakeExtractor{script: []step{ok("A")}}, factoryFor(&fakeNotifier{}))
	st := testSettings()
	st.Interval = time.Hour
	require.NoError(t, s.Start(context.Background(), st))
	require.Eventually(t, func() bool { return s.Status().LastGood != nil }, 2*time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return s.Status().State == StateStopped }, 2*time.Second, time.Millisecond)
}

func TestStateHookSeesTransitions(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		states []State
	)
	s := New(context.Background(), &fakeExtractor{script: []step{ok("A")}}, factoryFor(&fakeNotifier{}),
		WithStateHook(func(st Status) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		}))
	st := testSettings()
	st.Interval = time.Hour
	require.NoError(t, s.Start(context.Background(), st))
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, states)
}
