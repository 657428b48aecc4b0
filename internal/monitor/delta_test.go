package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	t.Parallel()
	now := time.Now()
	obs := func(v string) *Observation { return &Observation{Value: v, Timestamp: now} }

	cases := []struct {
		name string
		prev *Observation
		cur  string
		want Verdict
	}{
		{name: "baseline", prev: nil, cur: "A", want: Unchanged},
		{name: "baseline empty", prev: nil, cur: "", want: Unchanged},
		{name: "equal", prev: obs("A"), cur: "A", want: Unchanged},
		{name: "different", prev: obs("A"), cur: "B", want: Changed},
		{name: "case sensitive", prev: obs("a"), cur: "A", want: Changed},
		{name: "no trimming", prev: obs("A"), cur: "A ", want: Changed},
		{name: "numeric text is opaque", prev: obs("3.0"), cur: "3.00", want: Changed},
		{name: "empty after value", prev: obs("A"), cur: "", want: Changed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Compare(tc.prev, Observation{Value: tc.cur, Timestamp: now.Add(time.Minute)}))
		})
	}
}

func TestVerdictString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "changed", Changed.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
