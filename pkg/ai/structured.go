package ai

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// ScoreEntry is a single judgement returned by the model.
type ScoreEntry struct {
	Row         int     `json:"row" jsonschema_description:"Number of the mention or pair."`
	Candidate   int     `json:"candidate" jsonschema_description:"Number of the entry or relation."`
	Probability float64 `json:"probability" jsonschema_description:"Probability between 0 and 1."`
}

// ScoresResponse is the structured output requested from the model.
type ScoresResponse struct {
	Scores []ScoreEntry `json:"scores" jsonschema_description:"Scores for plausible combinations."`
}

// DefaultFloorScore is assigned to combinations the model left out. It is
// far below any sensible threshold but finite.
const DefaultFloorScore = -20.0

// StructuredScorer is a reader backed by a chat model. Probabilities
// returned by the model are converted to logits.
type StructuredScorer struct {
	Client FormatCompleter
	Opts   []GenerateOption
	Floor  float64
}

func NewStructuredScorer(client FormatCompleter, opts ...GenerateOption) *StructuredScorer {
	return &StructuredScorer{Client: client, Opts: opts, Floor: DefaultFloorScore}
}

func (s *StructuredScorer) ScoreSpans(ctx context.Context, req SpanScoreRequest) (ScoreMatrix, error) {
	if len(req.Spans) == 0 || len(req.Candidates) == 0 {
		return NewScoreMatrix(len(req.Spans), len(req.Candidates), s.Floor), nil
	}

	var mentions strings.Builder
	for i, span := range req.Spans {
		fmt.Fprintf(&mentions, "%d. %s\n", i, span.Text)
	}
	prompt := fmt.Sprintf(SpanScoringPrompt, req.Topic, req.Context, mentions.String(), formatCandidates(req.Candidates))

	return s.complete(ctx, "score_spans", "Score mention and entry combinations.", prompt, len(req.Spans), len(req.Candidates))
}

func (s *StructuredScorer) ScoreRelations(ctx context.Context, req RelationScoreRequest) (ScoreMatrix, error) {
	if len(req.Pairs) == 0 || len(req.Candidates) == 0 {
		return NewScoreMatrix(len(req.Pairs), len(req.Candidates), s.Floor), nil
	}

	var pairs strings.Builder
	for i, p := range req.Pairs {
		fmt.Fprintf(&pairs, "%d. (%s, %s)\n", i, p.Subject, p.Object)
	}
	prompt := fmt.Sprintf(RelationScoringPrompt, req.Topic, req.Context, pairs.String(), formatCandidates(req.Candidates))

	return s.complete(ctx, "score_relations", "Score entity pair and relation combinations.", prompt, len(req.Pairs), len(req.Candidates))
}

func formatCandidates(candidates []*common.Candidate) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i, c.Text())
	}
	return b.String()
}

func (s *StructuredScorer) complete(ctx context.Context, name, description, prompt string, rows, cols int) (ScoreMatrix, error) {
	var res ScoresResponse
	if err := s.Client.GenerateCompletionWithFormat(ctx, name, description, prompt, &res, s.Opts...); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrScoring, err)
	}
	return s.toMatrix(res, rows, cols)
}

func (s *StructuredScorer) toMatrix(res ScoresResponse, rows, cols int) (ScoreMatrix, error) {
	m := NewScoreMatrix(rows, cols, s.Floor)
	for _, e := range res.Scores {
		if e.Row < 0 || e.Row >= rows || e.Candidate < 0 || e.Candidate >= cols {
			return nil, fmt.Errorf("%w: score index (%d,%d) out of range %dx%d", common.ErrScoring, e.Row, e.Candidate, rows, cols)
		}
		if math.IsNaN(e.Probability) || e.Probability < 0 || e.Probability > 1 {
			return nil, fmt.Errorf("%w: probability %v at (%d,%d)", common.ErrScoring, e.Probability, e.Row, e.Candidate)
		}
		// duplicates keep the highest judgement
		m[e.Row][e.Candidate] = max(m[e.Row][e.Candidate], Logit(e.Probability))
	}
	return m, nil
}
