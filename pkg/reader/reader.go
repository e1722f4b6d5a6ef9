// Package reader scores the spans of a window against its candidate set and
// resolves the scores into entity and relation annotations.
//
// Annotations returned by the reader are window-local.
package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/window"
)

// Options configures a Reader. Thresholds are logits.
type Options struct {
	MaxSpanLength     int
	Threshold         float64
	RelationThreshold float64
	Relations         bool
	Strategy          resolve.Strategy
	Retry             util.RetryOptions
}

type Reader struct {
	spans     ai.SpanScorer
	relations ai.RelationScorer
	opts      Options
}

// New returns a reader. relations may be nil when relation extraction is
// disabled.
func New(spans ai.SpanScorer, relations ai.RelationScorer, opts Options) *Reader {
	if opts.Strategy == nil {
		opts.Strategy = resolve.Greedy{}
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = Retryable
	}
	return &Reader{spans: spans, relations: relations, opts: opts}
}

// Retryable reports whether a failed scoring call may be repeated.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrResolution),
		errors.Is(err, common.ErrConfig),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Output holds the window-local annotations of one window.
type Output struct {
	Entities  []common.Annotation
	Relations []common.Annotation
}

// Annotations returns entities followed by relations.
func (o *Output) Annotations() []common.Annotation {
	out := make([]common.Annotation, 0, len(o.Entities)+len(o.Relations))
	out = append(out, o.Entities...)
	return append(out, o.Relations...)
}

// Read scores and resolves the window. An empty entity candidate set yields
// an empty output together with common.ErrNoCandidates. When relation
// scoring fails the entity annotations are returned with the error.
func (r *Reader) Read(ctx context.Context, w *window.Window, entities, relations []*common.Candidate) (*Output, error) {
	out := &Output{}
	if len(entities) == 0 {
		return out, fmt.Errorf("window %d: %w", w.Index, common.ErrNoCandidates)
	}

	selected, err := r.readEntities(ctx, w, entities)
	if err != nil {
		return nil, err
	}
	for _, s := range selected {
		out.Entities = append(out.Entities, common.Annotation{
			Kind:        common.KindEntity,
			Span:        s.Span,
			CandidateID: s.CandidateID,
			Score:       s.Score,
			WindowIndex: w.Index,
		})
	}

	if !r.opts.Relations || r.relations == nil || len(relations) == 0 || len(out.Entities) < 2 {
		return out, nil
	}
	rels, err := r.readRelations(ctx, w, out.Entities, relations)
	if err != nil {
		return out, fmt.Errorf("relations: %w", err)
	}
	out.Relations = rels
	logger.Debug("Extracted relations", "doc_id", w.DocID, "window", w.Index, "relations", len(rels))
	return out, nil
}

func (r *Reader) readEntities(ctx context.Context, w *window.Window, candidates []*common.Candidate) ([]resolve.Scored, error) {
	spans := w.Spans(r.opts.MaxSpanLength)
	if len(spans) == 0 {
		return nil, nil
	}
	inputs := make([]ai.SpanInput, len(spans))
	for i, s := range spans {
		inputs[i] = ai.SpanInput{Span: s, Text: w.SpanText(s)}
	}
	req := ai.SpanScoreRequest{
		Topic:      w.Topic,
		Context:    w.Text,
		Spans:      inputs,
		Candidates: candidates,
	}

	scores, err := util.RetryWithContext(ctx, r.opts.Retry, func(ctx context.Context) (ai.ScoreMatrix, error) {
		m, err := r.spans.ScoreSpans(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(len(spans), len(candidates)); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		return nil, common.WrapModelError(common.ErrScoring, "score spans", err)
	}

	var kept []resolve.Scored
	for i, s := range spans {
		for j, c := range candidates {
			score := scores[i][j]
			if score < r.opts.Threshold {
				continue
			}
			kept = append(kept, resolve.Scored{Span: s, CandidateID: c.ID, Score: score})
		}
	}

	selected := r.opts.Strategy.Resolve(kept)
	if err := resolve.Verify(selected); err != nil {
		return nil, fmt.Errorf("window %d %s: %w", w.Index, r.opts.Strategy.Name(), err)
	}
	return selected, nil
}

func (r *Reader) readRelations(ctx context.Context, w *window.Window, entities []common.Annotation, candidates []*common.Candidate) ([]common.Annotation, error) {
	type pairRef struct{ subject, object int }

	var refs []pairRef
	var pairs []ai.RelationPair
	for i := range entities {
		for j := range entities {
			if i == j {
				continue
			}
			refs = append(refs, pairRef{subject: i, object: j})
			pairs = append(pairs, relationPair(w, &entities[i], &entities[j]))
		}
	}
	req := ai.RelationScoreRequest{
		Topic:      w.Topic,
		Context:    w.Text,
		Pairs:      pairs,
		Candidates: candidates,
	}

	scores, err := util.RetryWithContext(ctx, r.opts.Retry, func(ctx context.Context) (ai.ScoreMatrix, error) {
		m, err := r.relations.ScoreRelations(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(len(pairs), len(candidates)); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		return nil, common.WrapModelError(common.ErrScoring, "score relations", err)
	}

	var out []common.Annotation
	for p, ref := range refs {
		best := -1
		for c := range candidates {
			score := scores[p][c]
			if score < r.opts.RelationThreshold {
				continue
			}
			if best < 0 || score > scores[p][best] ||
				(score == scores[p][best] && candidates[c].ID < candidates[best].ID) {
				best = c
			}
		}
		if best < 0 {
			continue
		}
		out = append(out, common.NewRelation(&entities[ref.subject], &entities[ref.object], candidates[best].ID, scores[p][best], w.Index))
	}
	return out, nil
}

func relationPair(w *window.Window, subject, object *common.Annotation) ai.RelationPair {
	return ai.RelationPair{
		Subject:     w.SpanText(subject.Span),
		Object:      w.SpanText(object.Span),
		Between:     between(w, subject.Span, object.Span),
		SubjectID:   subject.CandidateID,
		ObjectID:    object.CandidateID,
		SubjectSpan: subject.Span,
		ObjectSpan:  object.Span,
	}
}

// between returns the window text separating two non-overlapping spans.
func between(w *window.Window, a, b common.Span) string {
	if b.Start < a.Start {
		a, b = b, a
	}
	if a.End >= b.Start {
		return ""
	}
	return strings.TrimSpace(w.SpanText(common.Span{Start: a.End, End: b.Start}))
}
