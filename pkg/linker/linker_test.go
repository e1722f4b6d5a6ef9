package linker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai/hashing"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/config"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/kb"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/tokenizer"
)

// stubScorer scores from fixed tables. Spans match on their text, relation
// pairs on "subject>object" candidate ids.
type stubScorer struct {
	spans     map[[2]string]float64
	relations map[[2]string]float64
	failOn    string
	onCall    func()

	mu    sync.Mutex
	calls int
}

func (s *stubScorer) ScoreSpans(ctx context.Context, req ai.SpanScoreRequest) (ai.ScoreMatrix, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall()
	}
	if s.failOn != "" && strings.Contains(req.Context, s.failOn) {
		return nil, errors.New("model unavailable")
	}
	m := ai.NewScoreMatrix(len(req.Spans), len(req.Candidates), ai.DefaultFloorScore)
	for i, span := range req.Spans {
		for j, c := range req.Candidates {
			if p, ok := s.spans[[2]string{span.Text, c.ID}]; ok {
				m[i][j] = ai.Logit(p)
			}
		}
	}
	return m, nil
}

func (s *stubScorer) ScoreRelations(ctx context.Context, req ai.RelationScoreRequest) (ai.ScoreMatrix, error) {
	m := ai.NewScoreMatrix(len(req.Pairs), len(req.Candidates), ai.DefaultFloorScore)
	for i, p := range req.Pairs {
		for j, c := range req.Candidates {
			if v, ok := s.relations[[2]string{p.SubjectID + ">" + p.ObjectID, c.ID}]; ok {
				m[i][j] = ai.Logit(v)
			}
		}
	}
	return m, nil
}

var testCandidates = []common.Candidate{
	{ID: "Q90", Kind: common.KindEntity, SurfaceForms: []string{"Paris"}, Description: "capital of France"},
	{ID: "Q219", Kind: common.KindEntity, SurfaceForms: []string{"Paris"}, Description: "city in Texas"},
	{ID: "Q142", Kind: common.KindEntity, SurfaceForms: []string{"France"}, Description: "country in Europe"},
	{ID: "P17", Kind: common.KindRelation, SurfaceForms: []string{"country"}},
	{ID: "P36", Kind: common.KindRelation, SurfaceForms: []string{"capital"}},
}

func newTestIndex(t *testing.T, candidates []common.Candidate) (*index.Index, ai.Embedder) {
	t.Helper()
	embedder := hashing.New(64)
	cands := make([]common.Candidate, len(candidates))
	copy(cands, candidates)
	if err := kb.EmbedMissing(context.Background(), embedder, cands, 0); err != nil {
		t.Fatalf("embed candidates: %v", err)
	}
	snap, err := index.Build(cands, index.BuildOptions{})
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	idx := index.New()
	idx.Swap(snap)
	return idx, embedder
}

func newTestLinker(t *testing.T, scorer *stubScorer) *Linker {
	t.Helper()
	idx, embedder := newTestIndex(t, testCandidates)
	l, err := NewLinker(NewLinkerParams{Index: idx, Embedder: embedder, SpanScorer: scorer})
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	return l
}

func parisScorer() *stubScorer {
	return &stubScorer{
		spans: map[[2]string]float64{
			{"Paris", "Q90"}:   0.9,
			{"Paris", "Q219"}:  0.4,
			{"France", "Q142"}: 0.8,
		},
		relations: map[[2]string]float64{
			{"Q90>Q142", "P17"}: 0.7,
			{"Q90>Q142", "P36"}: 0.6,
		},
	}
}

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.MaxWindowLength = 4
	cfg.WindowStride = 2
	cfg.MaxSpanLength = 2
	cfg.RetryBackoff = 0
	return cfg
}

func newDocument(text string) *common.Document {
	return common.NewDocument("doc-1", text, tokenizer.Whitespace{})
}

func TestLinkParis(t *testing.T) {
	l := newTestLinker(t, parisScorer())
	res, err := l.Link(context.Background(), newDocument("Paris is beautiful"), smallConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []common.Annotation{{
		Kind:        common.KindEntity,
		Span:        common.Span{Start: 0, End: 1},
		CandidateID: "Q90",
		Score:       ai.Logit(0.9),
	}}
	if !reflect.DeepEqual(res.Annotations, want) {
		t.Fatalf("expected %v, got %v", want, res.Annotations)
	}
	if res.Partial || res.Degraded() {
		t.Fatalf("expected clean result, got %+v", res.Diagnostics)
	}
	if res.RunID == "" || res.DocID != "doc-1" {
		t.Fatalf("unexpected ids %q %q", res.RunID, res.DocID)
	}
}

func TestLinkOverlappingWindowsDedupe(t *testing.T) {
	l := newTestLinker(t, parisScorer())
	res, err := l.Link(context.Background(), newDocument("we saw Paris and France today"), smallConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Diagnostics.Metrics.Windows != 2 {
		t.Fatalf("expected 2 windows, got %d", res.Diagnostics.Metrics.Windows)
	}
	var got []string
	for _, a := range res.Annotations {
		got = append(got, fmt.Sprintf("%s%s", a.CandidateID, a.Span))
	}
	want := []string{"Q90[2,3)", "Q142[4,5)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestLinkRelations(t *testing.T) {
	l := newTestLinker(t, parisScorer())
	cfg := smallConfig()
	cfg.MaxWindowLength = 16
	cfg.WindowStride = 8
	cfg.RelationExtraction = true

	res, err := l.Link(context.Background(), newDocument("Paris lies in France"), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Diagnostics.Metrics.Entities != 2 || res.Diagnostics.Metrics.Relations != 1 {
		t.Fatalf("unexpected metrics %+v", res.Diagnostics.Metrics)
	}
	rel := res.Annotations[len(res.Annotations)-1]
	if !rel.IsRelation() || rel.CandidateID != "P17" || rel.Score != ai.Logit(0.7) {
		t.Fatalf("expected P17 relation with %v, got %+v", ai.Logit(0.7), rel)
	}
	if rel.Subject.CandidateID != "Q90" || rel.Object.CandidateID != "Q142" {
		t.Fatalf("unexpected endpoints %v -> %v", rel.Subject, rel.Object)
	}
}

func TestLinkDeterministic(t *testing.T) {
	text := strings.Repeat("Paris and France and Paris again ", 6)
	var first []common.Annotation
	for _, parallel := range []int{1, 2, 8} {
		l := newTestLinker(t, parisScorer())
		cfg := smallConfig()
		cfg.ParallelWindows = parallel
		cfg.RelationExtraction = true
		res, err := l.Link(context.Background(), newDocument(text), cfg)
		if err != nil {
			t.Fatalf("parallel %d: unexpected error: %v", parallel, err)
		}
		if first == nil {
			first = res.Annotations
			if len(first) == 0 {
				t.Fatalf("expected annotations")
			}
			continue
		}
		if !reflect.DeepEqual(res.Annotations, first) {
			t.Fatalf("parallel %d: output differs\n got %v\nwant %v", parallel, res.Annotations, first)
		}
	}
}

func TestLinkNoCandidates(t *testing.T) {
	idx, embedder := newTestIndex(t, []common.Candidate{{ID: "P17", Kind: common.KindRelation, SurfaceForms: []string{"country"}}})
	l, err := NewLinker(NewLinkerParams{Index: idx, Embedder: embedder, SpanScorer: parisScorer()})
	if err != nil {
		t.Fatalf("new linker: %v", err)
	}
	res, err := l.Link(context.Background(), newDocument("Paris is beautiful"), smallConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Annotations) != 0 {
		t.Fatalf("expected no annotations, got %v", res.Annotations)
	}
	for _, d := range res.Diagnostics.Windows {
		if d.Status != StatusDegraded || d.Reason != ReasonNoCandidates {
			t.Fatalf("expected degraded no_candidates window, got %+v", d)
		}
	}
}

func TestLinkScoringFailureDegradesWindow(t *testing.T) {
	scorer := parisScorer()
	scorer.failOn = "boom"
	l := newTestLinker(t, scorer)
	cfg := smallConfig()
	cfg.MaxRetries = 1

	res, err := l.Link(context.Background(), newDocument("Paris is nice here and then boom ok"), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Diagnostics.Windows[0].Status != StatusOK {
		t.Fatalf("expected first window ok, got %+v", res.Diagnostics.Windows[0])
	}
	failed := 0
	for _, d := range res.Diagnostics.Windows {
		if d.Status == StatusFailed {
			failed++
			if d.Reason != ReasonScoring {
				t.Fatalf("expected scoring reason, got %+v", d)
			}
		}
	}
	if failed == 0 {
		t.Fatalf("expected failed windows, got %+v", res.Diagnostics.Windows)
	}
	if len(res.Annotations) != 1 || res.Annotations[0].CandidateID != "Q90" {
		t.Fatalf("expected surviving Q90 annotation, got %v", res.Annotations)
	}
}

func TestLinkSkipsWindowsWithoutMentions(t *testing.T) {
	scorer := parisScorer()
	l := newTestLinker(t, scorer)
	doc := newDocument("Paris is beautiful and calm today")
	doc.Mentions = []common.Span{{Start: 0, End: 1}}

	res, err := l.Link(context.Background(), doc, smallConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []common.Annotation{{
		Kind:        common.KindEntity,
		Span:        common.Span{Start: 0, End: 1},
		CandidateID: "Q90",
		Score:       ai.Logit(0.9),
	}}
	if !reflect.DeepEqual(res.Annotations, want) {
		t.Fatalf("expected %v, got %v", want, res.Annotations)
	}
	if len(res.Diagnostics.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %+v", res.Diagnostics.Windows)
	}
	if d := res.Diagnostics.Windows[1]; d.Status != StatusOK || d.Reason != ReasonNoMentions {
		t.Fatalf("expected skipped window, got %+v", d)
	}
	if scorer.calls != 1 {
		t.Fatalf("expected one scoring call, got %d", scorer.calls)
	}
}

// flakySearcher fails SearchBatch with a transient index error for the
// first failures calls, or always when failures is negative.
type flakySearcher struct {
	index.Searcher
	failures int

	mu    sync.Mutex
	calls int
}

func (s *flakySearcher) SearchBatch(ctx context.Context, queries [][]float32, k int, filter index.Filter) ([]common.RetrievalResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failures < 0 || s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: %w", common.ErrIndexUnavailable, io.ErrUnexpectedEOF)
	}
	return s.Searcher.SearchBatch(ctx, queries, k, filter)
}

func TestLinkIndexUnavailable(t *testing.T) {
	newLinker := func(t *testing.T, failures int) (*Linker, *flakySearcher) {
		t.Helper()
		idx, embedder := newTestIndex(t, testCandidates)
		searcher := &flakySearcher{Searcher: idx, failures: failures}
		l, err := NewLinker(NewLinkerParams{Index: searcher, Embedder: embedder, SpanScorer: parisScorer()})
		if err != nil {
			t.Fatalf("new linker: %v", err)
		}
		return l, searcher
	}

	t.Run("recovers after retry", func(t *testing.T) {
		l, searcher := newLinker(t, 1)
		res, err := l.Link(context.Background(), newDocument("Paris is beautiful"), smallConfig())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.Annotations) != 1 || res.Annotations[0].CandidateID != "Q90" {
			t.Fatalf("expected Q90 annotation, got %v", res.Annotations)
		}
		if d := res.Diagnostics.Windows[0]; d.Status != StatusOK {
			t.Fatalf("expected ok window, got %+v", d)
		}
		if searcher.calls != 2 {
			t.Fatalf("expected one retried search, got %d calls", searcher.calls)
		}
	})

	t.Run("fails windows", func(t *testing.T) {
		l, _ := newLinker(t, -1)
		res, err := l.Link(context.Background(), newDocument("Paris is nice and France is nice too"), smallConfig())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(res.Annotations) != 0 {
			t.Fatalf("expected no annotations, got %v", res.Annotations)
		}
		for _, d := range res.Diagnostics.Windows {
			if d.Status != StatusFailed || d.Reason != ReasonIndexUnavailable {
				t.Fatalf("expected failed index_unavailable window, got %+v", d)
			}
		}
	})
}

func TestLinkDocumentAborts(t *testing.T) {
	t.Run("invalid window config", func(t *testing.T) {
		l := newTestLinker(t, parisScorer())
		cfg := smallConfig()
		cfg.WindowStride = cfg.MaxWindowLength
		_, err := l.Link(context.Background(), newDocument("Paris"), cfg)
		if !errors.Is(err, common.ErrInvalidWindowConfig) {
			t.Fatalf("expected ErrInvalidWindowConfig, got %v", err)
		}
	})
	t.Run("empty index", func(t *testing.T) {
		l, err := NewLinker(NewLinkerParams{Index: index.New(), Embedder: hashing.New(8), SpanScorer: parisScorer()})
		if err != nil {
			t.Fatalf("new linker: %v", err)
		}
		_, err = l.Link(context.Background(), newDocument("Paris"), smallConfig())
		if !errors.Is(err, common.ErrIndexEmpty) {
			t.Fatalf("expected ErrIndexEmpty, got %v", err)
		}
	})
	t.Run("metric mismatch", func(t *testing.T) {
		l := newTestLinker(t, parisScorer())
		cfg := smallConfig()
		cfg.SimilarityMetric = config.MetricDot
		_, err := l.Link(context.Background(), newDocument("Paris"), cfg)
		if !errors.Is(err, common.ErrConfig) {
			t.Fatalf("expected ErrConfig, got %v", err)
		}
	})
}

func TestLinkCancellation(t *testing.T) {
	text := "Paris is nice and France is nice too"

	t.Run("discards results", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		scorer := parisScorer()
		scorer.onCall = cancel
		l := newTestLinker(t, scorer)
		cfg := smallConfig()
		cfg.ParallelWindows = 1

		res, err := l.Link(ctx, newDocument(text), cfg)
		if !errors.Is(err, common.ErrCanceled) {
			t.Fatalf("expected ErrCanceled, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected wrapped context error, got %v", err)
		}
		if res != nil {
			t.Fatalf("expected no result, got %+v", res)
		}
	})

	t.Run("partial results", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		scorer := parisScorer()
		scorer.onCall = cancel
		l := newTestLinker(t, scorer)
		cfg := smallConfig()
		cfg.ParallelWindows = 1
		cfg.PartialResults = true

		res, err := l.Link(ctx, newDocument(text), cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Partial {
			t.Fatalf("expected partial result")
		}
		if res.Diagnostics.Windows[0].Status != StatusOK {
			t.Fatalf("expected first window ok, got %+v", res.Diagnostics.Windows[0])
		}
		for _, d := range res.Diagnostics.Windows[1:] {
			if d.Status != StatusFailed {
				t.Fatalf("expected remaining windows failed, got %+v", d)
			}
		}
		if len(res.Annotations) != 1 || res.Annotations[0].CandidateID != "Q90" {
			t.Fatalf("expected annotations of the completed window, got %v", res.Annotations)
		}
	})
}

func TestNewLinkerValidation(t *testing.T) {
	if _, err := NewLinker(NewLinkerParams{}); !errors.Is(err, common.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	l, err := NewLinker(NewLinkerParams{Index: index.New(), Embedder: hashing.New(8), SpanScorer: parisScorer()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.relations == nil {
		t.Fatalf("expected span scorer to serve relations")
	}
}
