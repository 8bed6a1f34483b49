package matcher

import (
	"fmt"
	"time"
)

// Kind enumerates the closed set of pricing policies.
type Kind int

const (
	// FIFO matches each closing execution against the exact fill price
	// of the oldest unmatched lot.
	FIFO Kind = iota
	// TimeWindowed pre-aggregates same-side fills within one rounded
	// time bucket into a single volume-weighted execution before
	// matching. Coarser trades, robust against rapid scalping noise.
	TimeWindowed
)

// Bucket widths accepted for the time-windowed policy.
var validBuckets = map[int]bool{1: true, 5: true, 10: true, 15: true, 30: true, 60: true}

// Policy selects the pricing behavior for one matching run. Selected
// once per cycle and passed in; never mutated mid-run.
type Policy struct {
	Kind   Kind
	Bucket time.Duration // bucket width, TimeWindowed only
}

// NewFIFO returns the strict FIFO policy.
func NewFIFO() Policy {
	return Policy{Kind: FIFO}
}

// NewTimeWindowed returns a time-windowed policy with the given bucket
// width in minutes. Only 1, 5, 10, 15, 30 and 60 are accepted.
func NewTimeWindowed(bucketMinutes int) (Policy, error) {
	if !validBuckets[bucketMinutes] {
		return Policy{}, fmt.Errorf("invalid bucket width %d: must be one of 1, 5, 10, 15, 30, 60 minutes", bucketMinutes)
	}
	return Policy{Kind: TimeWindowed, Bucket: time.Duration(bucketMinutes) * time.Minute}, nil
}

func (p Policy) String() string {
	if p.Kind == TimeWindowed {
		return fmt.Sprintf("window(%dm)", int(p.Bucket.Minutes()))
	}
	return "fifo"
}
