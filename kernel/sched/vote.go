package sched

import (
	"fmt"
	"strings"
)

// NoMajorityPolicy selects what happens to a vote in which no two results
// agree.
type NoMajorityPolicy uint8

const (
	// NoMajorityZero accepts 0 as the result of a vote without majority.
	NoMajorityZero NoMajorityPolicy = iota

	// NoMajorityRetry rejects the verdict so that the voting program can
	// run its computation again.
	NoMajorityRetry
)

// String implements fmt.Stringer for NoMajorityPolicy.
func (p NoMajorityPolicy) String() string {
	switch p {
	case NoMajorityZero:
		return "zero"
	case NoMajorityRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// ParseNoMajorityPolicy returns the policy with the given name.
func ParseNoMajorityPolicy(name string) (NoMajorityPolicy, error) {
	switch strings.ToLower(name) {
	case "", "zero":
		return NoMajorityZero, nil
	case "retry":
		return NoMajorityRetry, nil
	default:
		return 0, fmt.Errorf("unknown no-majority policy %q", name)
	}
}

// Verdict is the outcome of a vote over three redundant results.
type Verdict struct {
	Value    uint64
	Majority bool

	// Accepted is false when the vote had no majority and the scheduler
	// rejects such votes.
	Accepted bool

	Results [3]uint64
}

// Vote resolves three redundant results. The results are scanned in order as
// adjacent pairs and the value of the first equal pair wins. If no pair
// matches the verdict value is 0.
func Vote(a, b, c uint64) Verdict {
	v := Verdict{Results: [3]uint64{a, b, c}}

	for i := 0; i < len(v.Results)-1; i++ {
		if v.Results[i] == v.Results[i+1] {
			v.Value = v.Results[i]
			v.Majority = true
			break
		}
	}

	v.Accepted = v.Majority
	return v
}
