// Package retriever proposes candidates for a window by embedding its text
// and searching the candidate index.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/window"
)

const (
	StrategyDocument = "document"
	StrategySpan     = "span"
)

// QueryKey identifies the query a retrieval result belongs to. The whole
// window query has Window set and spans the full window.
type QueryKey struct {
	Window bool
	Span   common.Span
}

// WindowKey returns the key of the whole window query.
func WindowKey(w *window.Window) QueryKey {
	return QueryKey{Window: true, Span: common.Span{Start: 0, End: w.Len()}}
}

// Options configures a Retriever.
type Options struct {
	Strategy      string
	MaxSpanLength int
	Hybrid        bool
	Retry         util.RetryOptions
}

type Retriever struct {
	searcher index.Searcher
	embedder ai.Embedder
	opts     Options
}

func New(searcher index.Searcher, embedder ai.Embedder, opts Options) *Retriever {
	if opts.Strategy == "" {
		opts.Strategy = StrategyDocument
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = Retryable
	}
	return &Retriever{searcher: searcher, embedder: embedder, opts: opts}
}

// Retryable reports whether a failed embedding or search call may be
// repeated. Index and encoding errors are permanent unless the index was
// only unavailable.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrIndexUnavailable):
		return true
	case errors.Is(err, common.ErrIndex),
		errors.Is(err, common.ErrEncoding),
		errors.Is(err, common.ErrConfig),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

type query struct {
	key  QueryKey
	text string
}

func (r *Retriever) queries(w *window.Window) ([]query, error) {
	switch r.opts.Strategy {
	case StrategyDocument:
		return []query{{key: WindowKey(w), text: w.Text}}, nil
	case StrategySpan:
		spans := w.Spans(r.opts.MaxSpanLength)
		out := make([]query, 0, len(spans))
		for _, s := range spans {
			text := w.SpanText(s)
			if strings.TrimSpace(text) == "" {
				continue
			}
			out = append(out, query{key: QueryKey{Span: s}, text: text})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown query strategy %q", common.ErrConfig, r.opts.Strategy)
	}
}

// Retrieve returns up to k entity candidates per query of the window. All
// query texts are embedded in one batch and searched in one batch.
func (r *Retriever) Retrieve(ctx context.Context, w *window.Window, k int) (map[QueryKey]common.RetrievalResult, error) {
	qs, err := r.queries(w)
	if err != nil {
		return nil, err
	}
	out := make(map[QueryKey]common.RetrievalResult, len(qs))
	if len(qs) == 0 || k <= 0 {
		return out, nil
	}

	texts := make([]string, len(qs))
	for i, q := range qs {
		texts[i] = q.text
	}
	filter := index.KindFilter(common.KindEntity)
	results, err := r.search(ctx, texts, k, filter)
	if err != nil {
		return nil, err
	}

	for i, q := range qs {
		res := results[i]
		if r.opts.Hybrid {
			lexical, err := r.searcher.Lookup(ctx, q.text, filter)
			if err != nil {
				return nil, fmt.Errorf("lookup %q: %w", q.text, err)
			}
			res = Fuse(res, lexical, k)
		}
		out[q.key] = res
	}

	logger.Debug("Retrieved candidates", "doc_id", w.DocID, "window", w.Index, "queries", len(qs))
	return out, nil
}

// RetrieveRelations returns up to k relation candidates for the whole
// window.
func (r *Retriever) RetrieveRelations(ctx context.Context, w *window.Window, k int) (common.RetrievalResult, error) {
	if k <= 0 || strings.TrimSpace(w.Text) == "" {
		return common.RetrievalResult{}, nil
	}
	results, err := r.search(ctx, []string{w.Text}, k, index.KindFilter(common.KindRelation))
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (r *Retriever) search(ctx context.Context, texts []string, k int, filter index.Filter) ([]common.RetrievalResult, error) {
	inputs := make([][]byte, len(texts))
	for i, t := range texts {
		inputs[i] = []byte(t)
	}

	vectors, err := util.RetryWithContext(ctx, r.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		return ai.GenerateEmbeddings(ctx, r.embedder, inputs)
	})
	if err != nil {
		return nil, common.WrapModelError(common.ErrEncoding, "embed queries", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d queries", common.ErrEncoding, len(vectors), len(texts))
	}

	dim := r.searcher.Dimension()
	for i, v := range vectors {
		if dim > 0 && len(v) != dim {
			return nil, fmt.Errorf("%w: query %d: %w", common.ErrEncoding, i, common.DimensionError(len(v), dim))
		}
	}

	results, err := util.RetryWithContext(ctx, r.opts.Retry, func(ctx context.Context) ([]common.RetrievalResult, error) {
		return r.searcher.SearchBatch(ctx, vectors, k, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return results, nil
}

// CandidateSet merges the results of all queries of a window: one entry per
// candidate with its best retrieval score, ordered by score then id.
func CandidateSet(results map[QueryKey]common.RetrievalResult) common.RetrievalResult {
	best := make(map[string]float64)
	for _, res := range results {
		for _, c := range res {
			if s, ok := best[c.ID]; !ok || c.Score > s {
				best[c.ID] = c.Score
			}
		}
	}
	out := make(common.RetrievalResult, 0, len(best))
	for id, s := range best {
		out = append(out, common.ScoredCandidate{ID: id, Score: s})
	}
	index.SortResult(out)
	return out
}

const rrfK = 60.0

func rrfComponent(rank int) float64 {
	if rank <= 0 {
		return 0
	}
	return 1 / (rrfK + float64(rank))
}

// Fuse combines dense results with lexical matches by reciprocal rank
// fusion and keeps the best k. Lexical ids are ranked in the given order.
func Fuse(dense common.RetrievalResult, lexical []string, k int) common.RetrievalResult {
	if len(lexical) == 0 {
		return dense
	}
	scores := make(map[string]float64, len(dense)+len(lexical))
	for i, c := range dense {
		scores[c.ID] += rrfComponent(i + 1)
	}
	seen := make(map[string]struct{}, len(lexical))
	rank := 0
	for _, id := range lexical {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rank++
		scores[id] += rrfComponent(rank)
	}

	out := make(common.RetrievalResult, 0, len(scores))
	for id, s := range scores {
		out = append(out, common.ScoredCandidate{ID: id, Score: s})
	}
	index.SortResult(out)
	if k > 0 && len(out) > k {
		out = slices.Clip(out[:k])
	}
	return out
}
