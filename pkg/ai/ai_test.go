package ai

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// singleEmbedder only has the single input path.
type singleEmbedder struct {
	calls atomic.Int32
	delay time.Duration
}

func (e *singleEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return []float32{float32(len(input)), 1}, nil
}

type batchEmbedder struct {
	batches [][]string
}

func (e *batchEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return nil, errors.New("single path must not be used")
}

func (e *batchEmbedder) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	batch := make([]string, len(inputs))
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		batch[i] = string(in)
		out[i] = []float32{float32(len(in)), 1}
	}
	e.batches = append(e.batches, batch)
	return out, nil
}

func TestGenerateEmbeddingsFallback(t *testing.T) {
	e := &singleEmbedder{}
	out, err := GenerateEmbeddings(context.Background(), e, [][]byte{[]byte("a"), []byte("bbb")})
	if err != nil {
		t.Fatalf("GenerateEmbeddings error: %v", err)
	}
	if out[0][0] != 1 || out[1][0] != 3 {
		t.Fatalf("results out of order: %v", out)
	}
	if e.calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", e.calls.Load())
	}
}

func TestGenerateEmbeddingsBatchFastPath(t *testing.T) {
	e := &batchEmbedder{}
	if _, err := GenerateEmbeddings(context.Background(), e, [][]byte{[]byte("a"), []byte("b")}); err != nil {
		t.Fatalf("GenerateEmbeddings error: %v", err)
	}
	if len(e.batches) != 1 || len(e.batches[0]) != 2 {
		t.Fatalf("expected one batch of two, got %v", e.batches)
	}
}

func TestCachedEmbedderSharesConcurrentCalls(t *testing.T) {
	inner := &singleEmbedder{delay: 20 * time.Millisecond}
	c := NewCachedEmbedder(inner, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GenerateEmbedding(context.Background(), []byte("Paris")); err != nil {
				t.Errorf("GenerateEmbedding error: %v", err)
			}
		}()
	}
	wg.Wait()

	if inner.calls.Load() != 1 {
		t.Fatalf("expected a single inner call, got %d", inner.calls.Load())
	}
}

func TestCachedEmbedderBatchEmbedsMissesOnce(t *testing.T) {
	inner := &batchEmbedder{}
	c := NewCachedEmbedder(inner, 0)

	if _, err := c.GenerateEmbeddings(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("a")}); err != nil {
		t.Fatalf("GenerateEmbeddings error: %v", err)
	}
	out, err := c.GenerateEmbeddings(context.Background(), [][]byte{[]byte("b"), []byte("cc")})
	if err != nil {
		t.Fatalf("GenerateEmbeddings error: %v", err)
	}
	if out[1][0] != 2 {
		t.Fatalf("unexpected embedding: %v", out)
	}

	if len(inner.batches) != 2 || strings.Join(inner.batches[0], ",") != "a,b" || strings.Join(inner.batches[1], ",") != "cc" {
		t.Fatalf("unexpected inner batches: %v", inner.batches)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 cached entries, got %d", c.Len())
	}
}

func TestCachedEmbedderMaxEntries(t *testing.T) {
	c := NewCachedEmbedder(&singleEmbedder{}, 2)
	for _, s := range []string{"a", "b", "c"} {
		if _, err := c.GenerateEmbedding(context.Background(), []byte(s)); err != nil {
			t.Fatalf("GenerateEmbedding error: %v", err)
		}
	}
	if c.Len() > 2 {
		t.Fatalf("expected at most 2 entries, got %d", c.Len())
	}
}

func TestScoreMatrixValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       ScoreMatrix
		rows    int
		cols    int
		wantErr bool
	}{
		{name: "valid", m: ScoreMatrix{{1, 2}, {3, 4}}, rows: 2, cols: 2},
		{name: "empty", m: ScoreMatrix{}, rows: 0, cols: 3},
		{name: "missing row", m: ScoreMatrix{{1, 2}}, rows: 2, cols: 2, wantErr: true},
		{name: "short row", m: ScoreMatrix{{1, 2}, {3}}, rows: 2, cols: 2, wantErr: true},
		{name: "nan", m: ScoreMatrix{{math.NaN()}}, rows: 1, cols: 1, wantErr: true},
		{name: "inf", m: ScoreMatrix{{math.Inf(1)}}, rows: 1, cols: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate(tt.rows, tt.cols)
			if tt.wantErr && !errors.Is(err, common.ErrScoring) {
				t.Fatalf("expected ErrScoring, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLogit(t *testing.T) {
	if Logit(0.5) != 0 {
		t.Fatalf("expected logit(0.5)=0, got %v", Logit(0.5))
	}
	if math.IsInf(Logit(0), 0) || math.IsInf(Logit(1), 0) {
		t.Fatal("expected finite logits at the bounds")
	}
	if Logit(0.9) <= Logit(0.4) {
		t.Fatal("expected logit to be monotonic")
	}
	if got := Sigmoid(Logit(0.8)); math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("expected sigmoid to invert logit, got %v", got)
	}
}

type vectorEmbedder map[string][]float32

func (e vectorEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	v, ok := e[string(input)]
	if !ok {
		return nil, errors.New("unknown text " + string(input))
	}
	return v, nil
}

func TestBiEncoderScorer(t *testing.T) {
	s := NewBiEncoderScorer(vectorEmbedder{
		"Paris":           {1, 0},
		"is":              {0, 1},
		"France: country": {0.6, 0.8},
	})

	m, err := s.ScoreSpans(context.Background(), SpanScoreRequest{
		Spans: []SpanInput{{Text: "Paris"}, {Text: "is"}},
		Candidates: []*common.Candidate{
			{ID: "Q90", Embedding: []float32{2, 0}},
			{ID: "Q142", SurfaceForms: []string{"France"}, Description: "country"},
		},
	})
	if err != nil {
		t.Fatalf("ScoreSpans error: %v", err)
	}
	if err := m.Validate(2, 2); err != nil {
		t.Fatalf("invalid matrix: %v", err)
	}
	if m[0][0] != 5 {
		t.Fatalf("expected scale*1+bias=5, got %v", m[0][0])
	}
	if m[1][0] != -5 {
		t.Fatalf("expected scale*0+bias=-5, got %v", m[1][0])
	}
	if math.Abs(m[1][1]-3) > 1e-6 {
		t.Fatalf("expected 10*0.8-5=3, got %v", m[1][1])
	}
}

func TestBiEncoderScorerDimensionMismatch(t *testing.T) {
	s := NewBiEncoderScorer(vectorEmbedder{"Paris": {1, 0}})
	_, err := s.ScoreSpans(context.Background(), SpanScoreRequest{
		Spans:      []SpanInput{{Text: "Paris"}},
		Candidates: []*common.Candidate{{ID: "Q90", Embedding: []float32{1, 0, 0}}},
	})
	if !errors.Is(err, common.ErrScoring) {
		t.Fatalf("expected ErrScoring, got %v", err)
	}
}

func TestPairText(t *testing.T) {
	got := PairText(RelationPair{Subject: "Paris", Between: " is the capital of ", Object: "France"})
	if got != "Paris is the capital of France" {
		t.Fatalf("unexpected pair text %q", got)
	}
}

type fakeCompleter struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeCompleter) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return f.err
	}
	return UnmarshalFlexible(f.response, out)
}

func TestStructuredScorer(t *testing.T) {
	f := &fakeCompleter{response: `{"scores":[{"row":0,"candidate":0,"probability":0.9},{"row":0,"candidate":1,"probability":0.4}]}`}
	s := NewStructuredScorer(f)

	m, err := s.ScoreSpans(context.Background(), SpanScoreRequest{
		Topic:   "Paris",
		Context: "Paris is beautiful",
		Spans:   []SpanInput{{Text: "Paris"}, {Text: "beautiful"}},
		Candidates: []*common.Candidate{
			{ID: "Q90", SurfaceForms: []string{"Paris"}},
			{ID: "Q219", SurfaceForms: []string{"Paris Hilton"}},
		},
	})
	if err != nil {
		t.Fatalf("ScoreSpans error: %v", err)
	}
	if err := m.Validate(2, 2); err != nil {
		t.Fatalf("invalid matrix: %v", err)
	}
	if math.Abs(m[0][0]-Logit(0.9)) > 1e-9 || math.Abs(m[0][1]-Logit(0.4)) > 1e-9 {
		t.Fatalf("unexpected scores %v", m[0])
	}
	if m[1][0] != DefaultFloorScore {
		t.Fatalf("expected floor score for omitted pair, got %v", m[1][0])
	}
	if !strings.Contains(f.prompts[0], "0. Paris\n1. beautiful") {
		t.Fatalf("mentions missing from prompt: %s", f.prompts[0])
	}
}

func TestStructuredScorerErrors(t *testing.T) {
	req := RelationScoreRequest{
		Pairs:      []RelationPair{{Subject: "Paris", Object: "France"}},
		Candidates: []*common.Candidate{{ID: "P1376", SurfaceForms: []string{"capital of"}}},
	}

	tests := []struct {
		name string
		f    *fakeCompleter
	}{
		{name: "row out of range", f: &fakeCompleter{response: `{"scores":[{"row":3,"candidate":0,"probability":0.9}]}`}},
		{name: "probability out of range", f: &fakeCompleter{response: `{"scores":[{"row":0,"candidate":0,"probability":1.5}]}`}},
		{name: "model failure", f: &fakeCompleter{err: errors.New("unavailable")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStructuredScorer(tt.f).ScoreRelations(context.Background(), req)
			if !errors.Is(err, common.ErrScoring) {
				t.Fatalf("expected ErrScoring, got %v", err)
			}
		})
	}
}

func TestModelMetricsAdd(t *testing.T) {
	var m ModelMetrics
	m.Add(ModelMetrics{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, DurationMs: 1000})
	m.Add(ModelMetrics{InputTokens: 5, TotalTokens: 5, DurationMs: 1000})

	b, _ := json.Marshal(m)
	if m.Requests != 2 || m.TotalTokens != 35 || m.TokenPerSecond != 10 {
		t.Fatalf("unexpected metrics %s", b)
	}
}
