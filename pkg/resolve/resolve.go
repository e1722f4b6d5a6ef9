// Package resolve turns scored, possibly overlapping (span, candidate) pairs
// into a set of annotations whose spans do not overlap.
package resolve

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// Scored is one (span, candidate) pair with its reader score.
type Scored struct {
	Span        common.Span
	CandidateID string
	Score       float64
}

// Strategy selects a non-overlapping subset of scored pairs. The input is
// not modified. The result is ordered by Order.
type Strategy interface {
	Name() string
	Resolve(items []Scored) []Scored
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "greedy":
		return Greedy{}, nil
	case "optimal":
		return Optimal{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown resolution strategy %q", common.ErrConfig, name)
	}
}

// Better reports whether a is preferred over b by the greedy rule: higher
// score, then shorter span, then lower start, then lower candidate id.
func Better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Span.Len() != b.Span.Len() {
		return a.Span.Len() < b.Span.Len()
	}
	if a.Span.Start != b.Span.Start {
		return a.Span.Start < b.Span.Start
	}
	return a.CandidateID < b.CandidateID
}

// Order sorts items by start, end and candidate id.
func Order(items []Scored) {
	slices.SortFunc(items, func(a, b Scored) int {
		if a.Span.Start != b.Span.Start {
			return a.Span.Start - b.Span.Start
		}
		if a.Span.End != b.Span.End {
			return a.Span.End - b.Span.End
		}
		return strings.Compare(a.CandidateID, b.CandidateID)
	})
}

// Verify fails with common.ErrResolution if two selected spans overlap.
func Verify(items []Scored) error {
	sorted := slices.Clone(items)
	Order(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Span.Overlaps(sorted[i].Span) {
			return fmt.Errorf("%w: %s %s overlaps %s %s", common.ErrResolution,
				sorted[i-1].Span, sorted[i-1].CandidateID, sorted[i].Span, sorted[i].CandidateID)
		}
	}
	return nil
}

// Total sums the scores of items.
func Total(items []Scored) float64 {
	var sum float64
	for _, it := range items {
		sum += it.Score
	}
	return sum
}

// Greedy accepts pairs in Better order unless they overlap an accepted span.
type Greedy struct{}

func (Greedy) Name() string { return "greedy" }

func (Greedy) Resolve(items []Scored) []Scored {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b Scored) int {
		switch {
		case Better(a, b):
			return -1
		case Better(b, a):
			return 1
		default:
			return 0
		}
	})

	var accepted []Scored
	for _, it := range sorted {
		if !it.Span.Valid() {
			continue
		}
		ok := true
		for _, a := range accepted {
			if a.Span.Overlaps(it.Span) {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, it)
		}
	}
	Order(accepted)
	return accepted
}

// Optimal maximizes the summed score of the selection by weighted interval
// scheduling. Pairs with a score <= 0 never increase the sum and are not
// selected. Ties between selections of equal sum are resolved towards
// leaving a pair out.
type Optimal struct{}

func (Optimal) Name() string { return "optimal" }

func (Optimal) Resolve(items []Scored) []Scored {
	sorted := make([]Scored, 0, len(items))
	for _, it := range items {
		if it.Span.Valid() {
			sorted = append(sorted, it)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	slices.SortFunc(sorted, func(a, b Scored) int {
		if a.Span.End != b.Span.End {
			return a.Span.End - b.Span.End
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start - b.Span.Start
		}
		switch {
		case Better(a, b):
			return -1
		case Better(b, a):
			return 1
		default:
			return 0
		}
	})

	n := len(sorted)
	// prev[j] is the number of intervals ending at or before sorted[j] starts
	prev := make([]int, n)
	for j := range sorted {
		start := sorted[j].Span.Start
		prev[j] = sort.Search(j, func(i int) bool { return sorted[i].Span.End > start })
	}

	best := make([]float64, n+1)
	take := make([]bool, n+1)
	for j := 1; j <= n; j++ {
		with := sorted[j-1].Score + best[prev[j-1]]
		if with > best[j-1] {
			best[j] = with
			take[j] = true
		} else {
			best[j] = best[j-1]
		}
	}

	var out []Scored
	for j := n; j > 0; {
		if take[j] {
			out = append(out, sorted[j-1])
			j = prev[j-1]
		} else {
			j--
		}
	}
	Order(out)
	return out
}
