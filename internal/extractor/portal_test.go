package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalwatch/internal/monitor"
)

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()
	o := Options{}.withDefaults()
	assert.Equal(t, "#username", o.UsernameSelector)
	assert.Equal(t, "#password", o.PasswordSelector)
	assert.Equal(t, "button[type='submit']", o.SubmitSelector)
	assert.Equal(t, 4*time.Second, o.SettleDelay)
	assert.Equal(t, DefaultValueWait, o.ValueWait)
	assert.False(t, o.Logger.IsZero())

	custom := Options{UsernameSelector: "input[name=user]", SettleDelay: time.Second}.withDefaults()
	assert.Equal(t, "input[name=user]", custom.UsernameSelector)
	assert.Equal(t, time.Second, custom.SettleDelay)
}

func TestAllocatorOptions(t *testing.T) {
	t.Parallel()
	headless := New(Options{Headless: true})
	headful := New(Options{Headless: false, UserAgent: "pw/1", ChromePath: "/usr/bin/chromium"})
	assert.Len(t, headful.allocatorOptions(), len(headless.allocatorOptions())+3)
}

func TestStepError(t *testing.T) {
	t.Parallel()

	live := context.Background()
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()

	cases := []struct {
		name   string
		parent context.Context
		kind   monitor.FailureKind
		err    error
		want   monitor.FailureKind
	}{
		{name: "navigation", parent: live, kind: monitor.FailureNavigation, err: errors.New("net::ERR_CONNECTION_REFUSED"), want: monitor.FailureNavigation},
		{name: "login form", parent: live, kind: monitor.FailureLogin, err: errors.New("could not find node"), want: monitor.FailureLogin},
		{name: "value wait ran out", parent: live, kind: monitor.FailureElementNotFound, err: context.DeadlineExceeded, want: monitor.FailureElementNotFound},
		{name: "step deadline", parent: live, kind: monitor.FailureNavigation, err: context.DeadlineExceeded, want: monitor.FailureTimeout},
		{name: "parent deadline wins", parent: expired, kind: monitor.FailureElementNotFound, err: context.DeadlineExceeded, want: monitor.FailureTimeout},
		{name: "parent canceled keeps kind", parent: canceled, kind: monitor.FailureBrowser, err: context.Canceled, want: monitor.FailureBrowser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := stepError(tc.parent, tc.kind, "step", tc.err)
			var ee *monitor.ExtractionError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "step", ee.Step)
			if tc.want == monitor.FailureTimeout {
				assert.Equal(t, monitor.FailureTimeout, monitor.KindOf(err))
			}
			assert.Equal(t, tc.want, ee.Kind)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestExtractUnreachableBrowserIsTyped(t *testing.T) {
	t.Parallel()
	p := New(Options{RemoteURL: "ws://127.0.0.1:1/devtools/browser/none"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Extract(ctx, monitor.Credentials{}, monitor.Locator{LoginURL: "about:blank", TargetURL: "about:blank", ValueXPath: "//body"})
	require.Error(t, err)
	var ee *monitor.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, []monitor.FailureKind{monitor.FailureBrowser, monitor.FailureTimeout}, ee.Kind)
}
