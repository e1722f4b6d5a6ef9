// Package aggregator merges the window-local annotations of a document into
// one consistent document level set.
package aggregator

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/window"
)

// Reasons a relation is dropped during merging.
const (
	ReasonSubjectDropped = "subject_dropped"
	ReasonObjectDropped  = "object_dropped"
	ReasonSuperseded     = "superseded"
)

// Input is the reader output of a single window.
type Input struct {
	Window      *window.Window
	Annotations []common.Annotation
}

// DroppedRelation is a relation that did not make it into the merged set.
type DroppedRelation struct {
	Relation common.Annotation `json:"relation"`
	Reason   string            `json:"reason"`
}

// Merged is the document level result. Annotations holds entities ordered
// by start, end and candidate id followed by relations ordered by subject,
// object and candidate id.
type Merged struct {
	Annotations []common.Annotation
	Dropped     []DroppedRelation
}

// Entities returns the entity annotations of m.
func (m *Merged) Entities() []common.Annotation {
	var out []common.Annotation
	for _, a := range m.Annotations {
		if a.IsEntity() {
			out = append(out, a)
		}
	}
	return out
}

// Relations returns the relation annotations of m.
func (m *Merged) Relations() []common.Annotation {
	var out []common.Annotation
	for _, a := range m.Annotations {
		if a.IsRelation() {
			out = append(out, a)
		}
	}
	return out
}

// Merge projects all annotations to document coordinates, removes
// duplicates and resolves overlaps across windows with the greedy rule.
func Merge(inputs []Input) (*Merged, error) {
	entities := make(map[common.EntityRef]common.Annotation)
	var relations []common.Annotation

	for _, in := range inputs {
		for _, local := range in.Annotations {
			a := window.ProjectAnnotation(in.Window, local)
			switch a.Kind {
			case common.KindEntity:
				key := a.Ref()
				if prev, ok := entities[key]; !ok || a.Score > prev.Score ||
					(a.Score == prev.Score && a.WindowIndex < prev.WindowIndex) {
					entities[key] = a
				}
			case common.KindRelation:
				if a.Subject == nil || a.Object == nil {
					return nil, fmt.Errorf("%w: relation %s in window %d without endpoints", common.ErrResolution, a.CandidateID, a.WindowIndex)
				}
				relations = append(relations, a)
			default:
				return nil, fmt.Errorf("%w: annotation of unknown kind %d", common.ErrResolution, a.Kind)
			}
		}
	}

	scored := make([]resolve.Scored, 0, len(entities))
	for key, a := range entities {
		scored = append(scored, resolve.Scored{Span: key.Span, CandidateID: key.CandidateID, Score: a.Score})
	}
	selected := resolve.Greedy{}.Resolve(scored)
	if err := resolve.Verify(selected); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}

	out := &Merged{Annotations: make([]common.Annotation, 0, len(selected)+len(relations))}
	survivors := make(map[common.EntityRef]struct{}, len(selected))
	for _, s := range selected {
		key := common.EntityRef{Span: s.Span, CandidateID: s.CandidateID}
		survivors[key] = struct{}{}
		out.Annotations = append(out.Annotations, entities[key])
	}

	kept, dropped := mergeRelations(relations, survivors)
	out.Annotations = append(out.Annotations, kept...)
	out.Dropped = dropped
	return out, nil
}

type pairKey struct {
	subject common.EntityRef
	object  common.EntityRef
}

func mergeRelations(relations []common.Annotation, survivors map[common.EntityRef]struct{}) ([]common.Annotation, []DroppedRelation) {
	var dropped []DroppedRelation
	best := make(map[pairKey]common.Annotation)
	var losers []common.Annotation

	for _, r := range relations {
		if _, ok := survivors[*r.Subject]; !ok {
			dropped = append(dropped, DroppedRelation{Relation: r, Reason: ReasonSubjectDropped})
			continue
		}
		if _, ok := survivors[*r.Object]; !ok {
			dropped = append(dropped, DroppedRelation{Relation: r, Reason: ReasonObjectDropped})
			continue
		}
		key := pairKey{subject: *r.Subject, object: *r.Object}
		prev, ok := best[key]
		if !ok {
			best[key] = r
			continue
		}
		winner, loser := prev, r
		if relationBetter(r, prev) {
			winner, loser = r, prev
		}
		best[key] = winner
		// the same relation found by overlapping windows is not a loss
		if loser.CandidateID != winner.CandidateID {
			losers = append(losers, loser)
		}
	}

	for _, l := range losers {
		w := best[pairKey{subject: *l.Subject, object: *l.Object}]
		if w.CandidateID != l.CandidateID {
			dropped = append(dropped, DroppedRelation{Relation: l, Reason: ReasonSuperseded})
		}
	}

	kept := make([]common.Annotation, 0, len(best))
	for _, r := range best {
		kept = append(kept, r)
	}
	slices.SortFunc(kept, compareRelations)
	slices.SortFunc(dropped, func(a, b DroppedRelation) int {
		if c := compareRelations(a.Relation, b.Relation); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Relation.WindowIndex, b.Relation.WindowIndex); c != 0 {
			return c
		}
		return strings.Compare(a.Reason, b.Reason)
	})
	return kept, dropped
}

// relationBetter applies the intra-window rule: higher score, then lower
// candidate id, then the earlier window.
func relationBetter(a, b common.Annotation) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.CandidateID != b.CandidateID {
		return a.CandidateID < b.CandidateID
	}
	return a.WindowIndex < b.WindowIndex
}

func compareRefs(a, b common.EntityRef) int {
	if c := cmp.Compare(a.Span.Start, b.Span.Start); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Span.End, b.Span.End); c != 0 {
		return c
	}
	return strings.Compare(a.CandidateID, b.CandidateID)
}

func compareRelations(a, b common.Annotation) int {
	if c := compareRefs(*a.Subject, *b.Subject); c != 0 {
		return c
	}
	if c := compareRefs(*a.Object, *b.Object); c != 0 {
		return c
	}
	return strings.Compare(a.CandidateID, b.CandidateID)
}
