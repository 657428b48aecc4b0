package monitor

// Verdict is the result of comparing two observations.
type Verdict int

const (
	Unchanged Verdict = iota
	Changed
)

func (v Verdict) String() string {
	if v == Changed {
		return "changed"
	}
	return "unchanged"
}

// Compare reports whether current diverges from previous.
//
// A missing previous observation establishes the baseline and is Unchanged.
// Values are opaque text compared exactly (case-sensitive, no trimming).
func Compare(previous *Observation, current Observation) Verdict {
	if previous == nil || previous.Value == current.Value {
		return Unchanged
	}
	return Changed
}
