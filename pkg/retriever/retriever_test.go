package retriever

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/tokenizer"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/window"
)

// mapEmbedder returns fixed vectors per text and a fallback for the rest.
type mapEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	failures int32
	calls    atomic.Int32
}

func (e *mapEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	out, err := e.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *mapEmbedder) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	if e.calls.Add(1) <= e.failures {
		return nil, errors.New("transient")
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := e.vectors[string(in)]; ok {
			out[i] = v
		} else {
			out[i] = e.fallback
		}
	}
	return out, nil
}

func testSnapshot(t *testing.T) *index.Snapshot {
	t.Helper()
	s, err := index.Build([]common.Candidate{
		{ID: "Q90", Kind: common.KindEntity, Embedding: []float32{1, 0, 0}, SurfaceForms: []string{"Paris"}},
		{ID: "Q219", Kind: common.KindEntity, Embedding: []float32{0.8, 0.6, 0}, SurfaceForms: []string{"Paris"}},
		{ID: "Q142", Kind: common.KindEntity, Embedding: []float32{0, 1, 0}, SurfaceForms: []string{"France"}},
		{ID: "P17", Kind: common.KindRelation, Embedding: []float32{0, 0, 1}},
	}, index.BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return s
}

func testWindow(t *testing.T, text string) *window.Window {
	t.Helper()
	doc := common.NewDocument("doc", text, tokenizer.Whitespace{})
	windows, err := window.Split(doc, 16, 8)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return &windows[0]
}

func TestRetrieveDocumentStrategy(t *testing.T) {
	w := testWindow(t, "Paris is beautiful")
	emb := &mapEmbedder{vectors: map[string][]float32{"Paris is beautiful": {1, 0.1, 0}}}
	r := New(testSnapshot(t), emb, Options{Strategy: StrategyDocument})

	got, err := r.Retrieve(context.Background(), w, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one query key, got %d", len(got))
	}
	res, ok := got[WindowKey(w)]
	if !ok {
		t.Fatalf("missing window key in %v", got)
	}
	if !reflect.DeepEqual(res.IDs(), []string{"Q90", "Q219"}) {
		t.Fatalf("unexpected ranking %v", res.IDs())
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("expected a single batched embedding call, got %d", emb.calls.Load())
	}
}

func TestRetrieveSpanStrategy(t *testing.T) {
	w := testWindow(t, "Paris France")
	emb := &mapEmbedder{
		vectors: map[string][]float32{
			"Paris":  {1, 0, 0},
			"France": {0, 1, 0},
		},
		fallback: []float32{0.5, 0.5, 0},
	}
	r := New(testSnapshot(t), emb, Options{Strategy: StrategySpan, MaxSpanLength: 2})

	got, err := r.Retrieve(context.Background(), w, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 span queries, got %d", len(got))
	}
	if ids := got[QueryKey{Span: common.Span{Start: 0, End: 1}}].IDs(); !reflect.DeepEqual(ids, []string{"Q90"}) {
		t.Fatalf("unexpected result for Paris: %v", ids)
	}
	if ids := got[QueryKey{Span: common.Span{Start: 1, End: 2}}].IDs(); !reflect.DeepEqual(ids, []string{"Q142"}) {
		t.Fatalf("unexpected result for France: %v", ids)
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("expected a single batched embedding call, got %d", emb.calls.Load())
	}
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	w := testWindow(t, "Paris")
	emb := &mapEmbedder{fallback: []float32{1, 0}}
	r := New(testSnapshot(t), emb, Options{Retry: util.RetryOptions{MaxTries: 3}})

	_, err := r.Retrieve(context.Background(), w, 2)
	if !errors.Is(err, common.ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if !errors.Is(err, common.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if !common.IsWindowRecoverable(err) {
		t.Fatalf("expected window recoverable error, got %v", err)
	}
}

func TestRetrieveRetriesTransientFailures(t *testing.T) {
	w := testWindow(t, "Paris")
	emb := &mapEmbedder{fallback: []float32{1, 0, 0}, failures: 2}
	r := New(testSnapshot(t), emb, Options{Retry: util.RetryOptions{MaxTries: 3}})

	got, err := r.Retrieve(context.Background(), w, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emb.calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", emb.calls.Load())
	}
	if ids := got[WindowKey(w)].IDs(); !reflect.DeepEqual(ids, []string{"Q90"}) {
		t.Fatalf("unexpected ranking %v", ids)
	}
}

func TestRetrieveExhaustedRetries(t *testing.T) {
	w := testWindow(t, "Paris")
	emb := &mapEmbedder{fallback: []float32{1, 0, 0}, failures: 10}
	r := New(testSnapshot(t), emb, Options{Retry: util.RetryOptions{MaxTries: 2}})

	_, err := r.Retrieve(context.Background(), w, 1)
	var attemptErr *common.AttemptError
	if !errors.As(err, &attemptErr) {
		t.Fatalf("expected AttemptError, got %v", err)
	}
	if attemptErr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attemptErr.Attempts)
	}
}

type blockingEmbedder struct{}

func (blockingEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieveTimeout(t *testing.T) {
	w := testWindow(t, "Paris")
	r := New(testSnapshot(t), blockingEmbedder{}, Options{Retry: util.RetryOptions{MaxTries: 1, Timeout: 5 * time.Millisecond}})

	_, err := r.Retrieve(context.Background(), w, 1)
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if errors.Is(err, common.ErrEncoding) {
		t.Fatalf("timeout must not be reported as an encoding error: %v", err)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"index unavailable", fmt.Errorf("%w: connection reset", common.ErrIndexUnavailable), true},
		{"index query error", fmt.Errorf("%w: relation missing", common.ErrIndex), false},
		{"dimension", common.DimensionError(3, 4), false},
		{"encoding", fmt.Errorf("%w: bad gateway", common.ErrEncoding), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	w := testWindow(t, "Paris")
	emb := &mapEmbedder{fallback: []float32{1, 0, 0}}
	r := New(index.New(), emb, Options{Retry: util.RetryOptions{MaxTries: 3}})

	_, err := r.Retrieve(context.Background(), w, 1)
	if !errors.Is(err, common.ErrIndexEmpty) {
		t.Fatalf("expected ErrIndexEmpty, got %v", err)
	}
	if emb.calls.Load() != 1 {
		t.Fatalf("expected no retry for empty index, got %d calls", emb.calls.Load())
	}
}

func TestRetrieveRelations(t *testing.T) {
	w := testWindow(t, "Paris is in France")
	emb := &mapEmbedder{fallback: []float32{0.5, 0.5, 0.5}}
	r := New(testSnapshot(t), emb, Options{})

	got, err := r.RetrieveRelations(context.Background(), w, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got.IDs(), []string{"P17"}) {
		t.Fatalf("expected relation candidates only, got %v", got.IDs())
	}
}

func TestRetrieveHybrid(t *testing.T) {
	w := testWindow(t, "France")
	emb := &mapEmbedder{fallback: []float32{1, 0, 0}}
	r := New(testSnapshot(t), emb, Options{Strategy: StrategySpan, MaxSpanLength: 1, Hybrid: true})

	got, err := r.Retrieve(context.Background(), w, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// both lists rank their match first, the tie goes to the lower id
	if ids := got[QueryKey{Span: common.Span{Start: 0, End: 1}}].IDs(); !reflect.DeepEqual(ids, []string{"Q142"}) {
		t.Fatalf("expected lexical match to win, got %v", ids)
	}
}

func TestCandidateSet(t *testing.T) {
	got := CandidateSet(map[QueryKey]common.RetrievalResult{
		{Span: common.Span{Start: 0, End: 1}}: {{ID: "b", Score: 0.5}, {ID: "a", Score: 0.2}},
		{Span: common.Span{Start: 1, End: 2}}: {{ID: "a", Score: 0.5}, {ID: "c", Score: 0.1}},
	})
	want := common.RetrievalResult{{ID: "a", Score: 0.5}, {ID: "b", Score: 0.5}, {ID: "c", Score: 0.1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFuse(t *testing.T) {
	dense := common.RetrievalResult{{ID: "x", Score: 0.9}, {ID: "y", Score: 0.8}}
	got := Fuse(dense, []string{"y", "z"}, 3)
	if !reflect.DeepEqual(got.IDs(), []string{"y", "x", "z"}) {
		t.Fatalf("unexpected fused order %v", got.IDs())
	}
	if got[0].Score != 1/61.0+1/62.0 {
		t.Fatalf("unexpected fused score %v", got[0].Score)
	}
	if same := Fuse(dense, nil, 3); !reflect.DeepEqual(same, dense) {
		t.Fatalf("expected dense result unchanged, got %v", same)
	}
}
