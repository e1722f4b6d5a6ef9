package ai

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// BiEncoderScorer scores by cosine similarity between an embedding of the
// span (or entity pair) and the candidate embedding. The similarity is
// mapped to logit space as Scale*sim + Bias.
//
// Candidate embeddings must live in the same space as the Embedder output.
// Candidates without an embedding are embedded from their text.
type BiEncoderScorer struct {
	Embedder Embedder
	Scale    float64
	Bias     float64
}

const (
	defaultBiEncoderScale = 10
	defaultBiEncoderBias  = -5
)

func NewBiEncoderScorer(embedder Embedder) *BiEncoderScorer {
	return &BiEncoderScorer{
		Embedder: embedder,
		Scale:    defaultBiEncoderScale,
		Bias:     defaultBiEncoderBias,
	}
}

func (s *BiEncoderScorer) ScoreSpans(ctx context.Context, req SpanScoreRequest) (ScoreMatrix, error) {
	texts := make([][]byte, len(req.Spans))
	for i, span := range req.Spans {
		texts[i] = []byte(span.Text)
	}
	return s.score(ctx, texts, req.Candidates)
}

func (s *BiEncoderScorer) ScoreRelations(ctx context.Context, req RelationScoreRequest) (ScoreMatrix, error) {
	texts := make([][]byte, len(req.Pairs))
	for i, p := range req.Pairs {
		texts[i] = []byte(PairText(p))
	}
	return s.score(ctx, texts, req.Candidates)
}

// PairText renders an entity pair with the text between both mentions.
func PairText(p RelationPair) string {
	parts := []string{p.Subject}
	if between := strings.TrimSpace(p.Between); between != "" {
		parts = append(parts, between)
	}
	parts = append(parts, p.Object)
	return strings.Join(parts, " ")
}

func (s *BiEncoderScorer) score(ctx context.Context, texts [][]byte, candidates []*common.Candidate) (ScoreMatrix, error) {
	if len(texts) == 0 || len(candidates) == 0 {
		return NewScoreMatrix(len(texts), len(candidates), 0), nil
	}

	queries, err := GenerateEmbeddings(ctx, s.Embedder, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embed spans: %w", common.ErrScoring, err)
	}
	candVecs, err := s.candidateVectors(ctx, candidates)
	if err != nil {
		return nil, err
	}

	m := make(ScoreMatrix, len(queries))
	for i, q := range queries {
		m[i] = make([]float64, len(candVecs))
		for j, c := range candVecs {
			if len(c) != len(q) {
				return nil, fmt.Errorf("%w: candidate %q has dimension %d, span embedding %d", common.ErrScoring, candidates[j].ID, len(c), len(q))
			}
			m[i][j] = s.Scale*cosine(q, c) + s.Bias
		}
	}
	return m, nil
}

func (s *BiEncoderScorer) candidateVectors(ctx context.Context, candidates []*common.Candidate) ([][]float32, error) {
	out := make([][]float32, len(candidates))
	var missing []int
	var texts [][]byte
	for i, c := range candidates {
		if len(c.Embedding) > 0 {
			out[i] = c.Embedding
			continue
		}
		missing = append(missing, i)
		texts = append(texts, []byte(c.Text()))
	}
	if len(missing) == 0 {
		return out, nil
	}
	embs, err := GenerateEmbeddings(ctx, s.Embedder, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embed candidates: %w", common.ErrScoring, err)
	}
	for k, i := range missing {
		out[i] = embs[k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var ab, aa, bb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		ab += x * y
		aa += x * x
		bb += y * y
	}
	if aa == 0 || bb == 0 {
		return 0
	}
	return ab / math.Sqrt(aa*bb)
}
