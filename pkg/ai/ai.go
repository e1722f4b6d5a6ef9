package ai

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	Requests       int     `json:"requests"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// Add accumulates m into the receiver.
func (m *ModelMetrics) Add(o ModelMetrics) {
	m.Requests += max(o.Requests, 1)
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.TotalTokens += o.TotalTokens
	m.DurationMs += o.DurationMs
	if m.DurationMs > 0 {
		m.TokenPerSecond = float32(m.OutputTokens) / (float32(m.DurationMs) / 1000)
	}
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// Embedder turns text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

// BatchEmbedder is the optional fast path for embedding many inputs in one
// request. The result at position i belongs to inputs[i].
type BatchEmbedder interface {
	GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error)
}

// FormatCompleter generates a completion constrained to the JSON schema of
// out and decodes it into out.
type FormatCompleter interface {
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error
}

// LinkerAIClient is implemented by the model backends.
type LinkerAIClient interface {
	Embedder
	BatchEmbedder
	FormatCompleter

	ResetMetrics()
	GetMetrics() ModelMetrics
}

// SpanInput is one span of a window handed to a scorer.
type SpanInput struct {
	Span common.Span
	Text string
}

// SpanScoreRequest asks for a score for every (span, candidate) pair of a
// window.
type SpanScoreRequest struct {
	Topic      string
	Context    string
	Spans      []SpanInput
	Candidates []*common.Candidate
}

// RelationPair is an ordered pair of accepted entity annotations.
type RelationPair struct {
	Subject     string
	Object      string
	Between     string
	SubjectID   string
	ObjectID    string
	SubjectSpan common.Span
	ObjectSpan  common.Span
}

// RelationScoreRequest asks for a score for every (pair, relation candidate)
// combination of a window.
type RelationScoreRequest struct {
	Topic      string
	Context    string
	Pairs      []RelationPair
	Candidates []*common.Candidate
}

// SpanScorer jointly scores spans and candidates. Scores are logits.
type SpanScorer interface {
	ScoreSpans(ctx context.Context, req SpanScoreRequest) (ScoreMatrix, error)
}

// RelationScorer scores entity pairs against relation candidates. Scores
// are logits.
type RelationScorer interface {
	ScoreRelations(ctx context.Context, req RelationScoreRequest) (ScoreMatrix, error)
}

// Scorer is a reader model able to do both.
type Scorer interface {
	SpanScorer
	RelationScorer
}
