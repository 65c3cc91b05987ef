// Package selector picks the next task a virtual user executes, honouring
// relative task weights.
package selector

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"sort"
)

var (
	// ErrEmptySet is returned when no descriptors are supplied.
	ErrEmptySet = errors.New("task set is empty")

	// ErrInvalidWeight is returned for a descriptor with weight < 1.
	ErrInvalidWeight = errors.New("task weight must be >= 1")

	// ErrInvalidName is returned for an empty or duplicated descriptor name.
	ErrInvalidName = errors.New("invalid task name")
)

// Descriptor pairs a behavior identifier with its relative weight.
type Descriptor struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight" yaml:"weight"`
}

// table is the immutable cumulative-weight lookup shared between forks.
type table struct {
	names      []string
	cumulative []int
	total      int
}

// Selector draws behavior identifiers with probability weight/total.
//
// A Selector owns its random source and is NOT safe for concurrent use.
// Give each goroutine its own instance via Fork.
type Selector struct {
	t   *table
	rng *rand.Rand
}

// New builds a Selector from descriptors.
//
// The descriptor order is preserved in the cumulative table so that a
// given seed always yields the same sequence.
func New(descriptors []Descriptor, seed int64) (*Selector, error) {
	if len(descriptors) == 0 {
		return nil, ErrEmptySet
	}

	t := &table{
		names:      make([]string, 0, len(descriptors)),
		cumulative: make([]int, 0, len(descriptors)),
	}
	seen := make(map[string]struct{}, len(descriptors))

	for i, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("descriptor %d: %w: name is empty", i, ErrInvalidName)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("descriptor %d: %w: duplicate name %q", i, ErrInvalidName, d.Name)
		}
		if d.Weight < 1 {
			return nil, fmt.Errorf("descriptor %q: %w (got %d)", d.Name, ErrInvalidWeight, d.Weight)
		}
		seen[d.Name] = struct{}{}

		t.total += d.Weight
		t.names = append(t.names, d.Name)
		t.cumulative = append(t.cumulative, t.total)
	}

	return &Selector{t: t, rng: newRand(seed)}, nil
}

// Fork returns a Selector sharing the weight table but drawing from an
// independent random source.
func (s *Selector) Fork(seed int64) *Selector {
	return &Selector{t: s.t, rng: newRand(seed)}
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}

// Next draws one behavior identifier.
func (s *Selector) Next() string {
	if len(s.t.names) == 1 {
		return s.t.names[0]
	}

	x := s.rng.IntN(s.t.total)
	i := sort.Search(len(s.t.cumulative), func(i int) bool {
		return s.t.cumulative[i] > x
	})
	return s.t.names[i]
}

// Sequence returns a lazy, infinite sequence of draws taken from the
// selector's own random source. A later range resumes where the previous
// one stopped, and ranging from several goroutines is not safe. Stop by
// breaking out of the loop.
func (s *Selector) Sequence() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			if !yield(s.Next()) {
				return
			}
		}
	}
}

// Names returns the behavior identifiers in declaration order.
func (s *Selector) Names() []string {
	out := make([]string, len(s.t.names))
	copy(out, s.t.names)
	return out
}

// TotalWeight returns the sum of all weights.
func (s *Selector) TotalWeight() int {
	return s.t.total
}

// Probability returns weight/total for name, or 0 if name is unknown.
func (s *Selector) Probability(name string) float64 {
	prev := 0
	for i, n := range s.t.names {
		if n == name {
			return float64(s.t.cumulative[i]-prev) / float64(s.t.total)
		}
		prev = s.t.cumulative[i]
	}
	return 0
}
