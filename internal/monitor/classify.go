package monitor

import (
	"context"
	"errors"
	"time"
)

// TransientFailure is a cycle that produced no value. It never touches LastGood.
type TransientFailure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

// CycleOutcome is Success(Observation) when Failure is nil, otherwise
// TransientFailure.
type CycleOutcome struct {
	Observation Observation
	Failure     *TransientFailure
}

func (o CycleOutcome) Success() bool { return o.Failure == nil }

// Classify maps an extraction result to a CycleOutcome. Any error is a
// transient failure; any value, including "", is a success.
func Classify(value string, err error, now time.Time) CycleOutcome {
	if err == nil {
		return CycleOutcome{Observation: Observation{Value: value, Timestamp: now}}
	}
	return CycleOutcome{Failure: &TransientFailure{Kind: KindOf(err), Reason: err.Error()}}
}

// KindOf finds the FailureKind of err. A deadline anywhere in the chain
// wins over the extractor's own kind.
func KindOf(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ee *ExtractionError
	if errors.As(err, &ee) && ee.Kind != "" {
		return ee.Kind
	}
	return FailureUnknown
}
