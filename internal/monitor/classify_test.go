package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySuccess(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	out := Classify("A+", nil, now)
	require.True(t, out.Success())
	assert.Equal(t, Observation{Value: "A+", Timestamp: now}, out.Observation)

	empty := Classify("", nil, now)
	require.True(t, empty.Success(), "the empty string is a value")
	assert.Equal(t, "", empty.Observation.Value)
}

func TestClassifyFailureKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "typed", err: NewExtractionError(FailureElementNotFound, "read value", errors.New("no node")), want: FailureElementNotFound},
		{name: "wrapped typed", err: fmt.Errorf("cycle: %w", NewExtractionError(FailureLogin, "login", nil)), want: FailureLogin},
		{name: "deadline", err: context.DeadlineExceeded, want: FailureTimeout},
		{name: "deadline beats typed", err: NewExtractionError(FailureNavigation, "navigate", context.DeadlineExceeded), want: FailureTimeout},
		{name: "canceled", err: context.Canceled, want: FailureUnknown},
		{name: "plain", err: errors.New("Failure: something"), want: FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Classify("ignored", tc.err, time.Now())
			require.False(t, out.Success())
			assert.Equal(t, tc.want, out.Failure.Kind)
			assert.Equal(t, tc.err.Error(), out.Failure.Reason)
		})
	}
}

func TestExtractionErrorMessage(t *testing.T) {
	t.Parallel()
	err := NewExtractionError(FailureNavigation, "open target", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	assert.Equal(t, "open target: navigation: net::ERR_NAME_NOT_RESOLVED", err.Error())
	assert.Equal(t, "timeout", (&ExtractionError{Kind: FailureTimeout}).Error())
}

func TestConfigurationError(t *testing.T) {
	t.Parallel()
	inner := errors.New("notifier token is required")
	err := error(&ConfigurationError{Field: "token", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "configuration error: token: notifier token is required", err.Error())
}
