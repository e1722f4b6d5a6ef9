package index

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"

	"golang.org/x/sync/errgroup"
)

type Metric string

const (
	Cosine Metric = "cosine"
	Dot    Metric = "dot"
)

type Mode string

const (
	Exact       Mode = "exact"
	Approximate Mode = "approximate"
)

// BuildOptions configures Build. Lists and Probes only apply to
// Approximate mode.
type BuildOptions struct {
	Metric Metric
	Mode   Mode
	Lists  int
	Probes int
}

// Snapshot is an immutable, searchable set of candidates.
type Snapshot struct {
	version    uint64
	metric     Metric
	mode       Mode
	dim        int
	candidates []*common.Candidate
	vectors    [][]float32
	byID       map[string]int
	surfaces   map[string][]string
	ivf        *invertedFile
}

// Build validates candidates and builds a snapshot. Embeddings are copied;
// with the cosine metric they are stored unit length.
func Build(candidates []common.Candidate, opts BuildOptions) (*Snapshot, error) {
	if opts.Metric == "" {
		opts.Metric = Cosine
	}
	if opts.Mode == "" {
		opts.Mode = Exact
	}
	switch opts.Metric {
	case Cosine, Dot:
	default:
		return nil, fmt.Errorf("%w: unknown similarity metric %q", common.ErrConfig, opts.Metric)
	}
	switch opts.Mode {
	case Exact, Approximate:
	default:
		return nil, fmt.Errorf("%w: unknown index mode %q", common.ErrConfig, opts.Mode)
	}

	s := &Snapshot{
		metric:     opts.Metric,
		mode:       opts.Mode,
		candidates: make([]*common.Candidate, 0, len(candidates)),
		vectors:    make([][]float32, 0, len(candidates)),
		byID:       make(map[string]int, len(candidates)),
		surfaces:   make(map[string][]string),
	}

	for i := range candidates {
		c := candidates[i]
		if c.ID == "" {
			return nil, fmt.Errorf("%w: candidate %d has no id", common.ErrIndex, i)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate candidate id %q", common.ErrIndex, c.ID)
		}
		switch c.Kind {
		case common.KindEntity, common.KindRelation:
		default:
			return nil, fmt.Errorf("%w: candidate %q has invalid kind %d", common.ErrIndex, c.ID, c.Kind)
		}
		if len(c.Embedding) == 0 {
			return nil, fmt.Errorf("%w: candidate %q has no embedding", common.ErrIndex, c.ID)
		}
		if s.dim == 0 {
			s.dim = len(c.Embedding)
		}
		if len(c.Embedding) != s.dim {
			return nil, fmt.Errorf("candidate %q: %w", c.ID, common.DimensionError(len(c.Embedding), s.dim))
		}
		if !finite(c.Embedding) {
			return nil, fmt.Errorf("%w: candidate %q has non-finite embedding", common.ErrIndex, c.ID)
		}

		vec := slices.Clone(c.Embedding)
		if s.metric == Cosine {
			vec = normalized(vec)
		}
		c.Embedding = slices.Clone(c.Embedding)
		c.SurfaceForms = slices.Clone(c.SurfaceForms)

		s.byID[c.ID] = len(s.candidates)
		s.candidates = append(s.candidates, &c)
		s.vectors = append(s.vectors, vec)

		for _, form := range c.SurfaceForms {
			key := util.NormalizeSurface(form)
			if key == "" {
				continue
			}
			if !slices.Contains(s.surfaces[key], c.ID) {
				s.surfaces[key] = append(s.surfaces[key], c.ID)
			}
		}
	}
	for key := range s.surfaces {
		slices.Sort(s.surfaces[key])
	}

	if s.mode == Approximate && opts.Lists > 0 && len(s.vectors) >= opts.Lists {
		s.ivf = buildInvertedFile(s.vectors, s.ids(), opts.Lists, max(1, min(opts.Probes, opts.Lists)), s.similarity)
	}
	return s, nil
}

func (s *Snapshot) ids() []string {
	out := make([]string, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = c.ID
	}
	return out
}

func (s *Snapshot) similarity(a, b []float32) float64 {
	return dot(a, b)
}

// Version is assigned when the snapshot is installed into an Index.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of candidates.
func (s *Snapshot) Len() int { return len(s.candidates) }

func (s *Snapshot) Dimension() int { return s.dim }

func (s *Snapshot) Metric() Metric { return s.metric }

// Get returns the candidate with the given id.
func (s *Snapshot) Get(id string) (*common.Candidate, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.candidates[i], true
}

// Fetch returns the candidates for ids in the given order. Unknown ids are
// skipped.
func (s *Snapshot) Fetch(_ context.Context, ids []string) ([]*common.Candidate, error) {
	out := make([]*common.Candidate, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.Get(id); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Lookup returns the ids of candidates with a surface form equal to surface
// after normalization, sorted by id.
func (s *Snapshot) Lookup(_ context.Context, surface string, filter Filter) ([]string, error) {
	if len(s.candidates) == 0 {
		return nil, common.ErrIndexEmpty
	}
	ids := s.surfaces[util.NormalizeSurface(surface)]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		c, _ := s.Get(id)
		if filter.match(c) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Snapshot) prepareQuery(query []float32) ([]float32, error) {
	if len(s.candidates) == 0 {
		return nil, common.ErrIndexEmpty
	}
	if len(query) != s.dim {
		return nil, common.DimensionError(len(query), s.dim)
	}
	if !finite(query) {
		return nil, fmt.Errorf("%w: query has non-finite components", common.ErrEncoding)
	}
	if s.metric == Cosine {
		return normalized(query), nil
	}
	return query, nil
}

// Search returns up to k candidates nearest to query.
func (s *Snapshot) Search(_ context.Context, query []float32, k int, filter Filter) (common.RetrievalResult, error) {
	q, err := s.prepareQuery(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return common.RetrievalResult{}, nil
	}

	var rows []int
	if s.ivf != nil {
		rows = s.ivf.probe(q)
	}

	hits := make(common.RetrievalResult, 0, min(k*4, len(s.candidates)))
	scan := func(i int) {
		c := s.candidates[i]
		if !filter.match(c) {
			return
		}
		hits = append(hits, common.ScoredCandidate{ID: c.ID, Score: s.similarity(q, s.vectors[i])})
	}
	if rows == nil {
		for i := range s.candidates {
			scan(i)
		}
	} else {
		for _, i := range rows {
			scan(i)
		}
	}

	SortResult(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchBatch runs Search for every query. Queries are searched in
// parallel; the result at position i belongs to queries[i].
func (s *Snapshot) SearchBatch(ctx context.Context, queries [][]float32, k int, filter Filter) ([]common.RetrievalResult, error) {
	if len(s.candidates) == 0 {
		return nil, common.ErrIndexEmpty
	}
	out := make([]common.RetrievalResult, len(queries))
	if len(queries) == 0 {
		return out, nil
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for i := range queries {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			res, err := s.Search(ectx, queries[i], k, filter)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SortResult orders r by descending score, ties by id ascending.
func SortResult(r common.RetrievalResult) {
	slices.SortFunc(r, func(a, b common.ScoredCandidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
