// Package config holds the options of a linking run and loads them from
// YAML files or LINKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"
)

const (
	StrategyGreedy  = "greedy"
	StrategyOptimal = "optimal"

	MetricCosine = "cosine"
	MetricDot    = "dot"

	QueryDocument = "document"
	QuerySpan     = "span"

	IndexExact       = "exact"
	IndexApproximate = "approximate"

	TokenizerWhitespace = "whitespace"
)

// Config is the configuration of a single Link call.
//
// Thresholds are logits: a reader score of 0 corresponds to a probability of
// 0.5.
type Config struct {
	MaxWindowLength    int     `yaml:"max_window_length" validate:"min=1"`
	WindowStride       int     `yaml:"window_stride" validate:"min=1,ltfield=MaxWindowLength"`
	RetrievalK         int     `yaml:"retrieval_k" validate:"min=1"`
	MaxSpanLength      int     `yaml:"max_span_length" validate:"min=1"`
	RelationExtraction bool    `yaml:"relation_extraction_enabled"`
	ResolutionStrategy string  `yaml:"resolution_strategy" validate:"oneof=greedy optimal"`
	SimilarityMetric   string  `yaml:"similarity_metric" validate:"oneof=cosine dot"`
	QueryStrategy      string  `yaml:"query_strategy" validate:"oneof=document span"`
	IndexMode          string  `yaml:"index_mode" validate:"oneof=exact approximate"`
	IndexLists         int     `yaml:"index_lists" validate:"min=1"`
	IndexProbes        int     `yaml:"index_probes" validate:"min=1"`
	Threshold          float64 `yaml:"threshold"`
	RelationThreshold  float64 `yaml:"relation_threshold"`
	RelationK          int     `yaml:"relation_k" validate:"min=1"`
	ParallelWindows    int     `yaml:"parallel_windows" validate:"min=1"`

	CallTimeout  time.Duration `yaml:"call_timeout" validate:"gte=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`

	PartialResults  bool   `yaml:"partial_results"`
	HybridRetrieval bool   `yaml:"hybrid_retrieval"`
	Tokenizer       string `yaml:"tokenizer"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		MaxWindowLength:    64,
		WindowStride:       32,
		RetrievalK:         20,
		MaxSpanLength:      4,
		RelationExtraction: false,
		ResolutionStrategy: StrategyGreedy,
		SimilarityMetric:   MetricCosine,
		QueryStrategy:      QueryDocument,
		IndexMode:          IndexExact,
		IndexLists:         16,
		IndexProbes:        4,
		Threshold:          0,
		RelationThreshold:  0,
		RelationK:          10,
		ParallelWindows:    4,
		CallTimeout:        30 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       200 * time.Millisecond,
		Tokenizer:          TokenizerWhitespace,
	}
}

var validate = validator.New()

// Validate checks every option. All violations are reported in one error
// wrapping common.ErrConfig; a bad window geometry also matches
// common.ErrInvalidWindowConfig.
func (c Config) Validate() error {
	if c.MaxWindowLength <= 0 || c.WindowStride <= 0 || c.WindowStride >= c.MaxWindowLength {
		return fmt.Errorf("%w: max_window_length=%d window_stride=%d", common.ErrInvalidWindowConfig, c.MaxWindowLength, c.WindowStride)
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", common.ErrConfig, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
		return fmt.Errorf("%w: %s", common.ErrConfig, strings.Join(msgs, "; "))
	}

	if c.Tokenizer != "" && c.Tokenizer != TokenizerWhitespace && !strings.HasPrefix(c.Tokenizer, "tiktoken:") {
		return fmt.Errorf("%w: unknown tokenizer %q", common.ErrConfig, c.Tokenizer)
	}
	return nil
}

// Retries returns the number of tries allowed for a single model or index
// call.
func (c Config) Retries() int {
	return c.MaxRetries + 1
}

// LoadFile reads a YAML file on top of Default and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", common.ErrConfig, path, err)
	}
	return cfg, cfg.Validate()
}

// FromEnv overrides the fields of base with LINKER_* environment variables.
// The result is not validated.
func FromEnv(base Config) Config {
	c := base
	c.MaxWindowLength = util.GetEnvInt("LINKER_MAX_WINDOW_LENGTH", c.MaxWindowLength)
	c.WindowStride = util.GetEnvInt("LINKER_WINDOW_STRIDE", c.WindowStride)
	c.RetrievalK = util.GetEnvInt("LINKER_RETRIEVAL_K", c.RetrievalK)
	c.MaxSpanLength = util.GetEnvInt("LINKER_MAX_SPAN_LENGTH", c.MaxSpanLength)
	c.RelationExtraction = util.GetEnvBool("LINKER_RELATION_EXTRACTION_ENABLED", c.RelationExtraction)
	c.ResolutionStrategy = util.GetEnvString("LINKER_RESOLUTION_STRATEGY", c.ResolutionStrategy)
	c.SimilarityMetric = util.GetEnvString("LINKER_SIMILARITY_METRIC", c.SimilarityMetric)
	c.QueryStrategy = util.GetEnvString("LINKER_QUERY_STRATEGY", c.QueryStrategy)
	c.IndexMode = util.GetEnvString("LINKER_INDEX_MODE", c.IndexMode)
	c.IndexLists = util.GetEnvInt("LINKER_INDEX_LISTS", c.IndexLists)
	c.IndexProbes = util.GetEnvInt("LINKER_INDEX_PROBES", c.IndexProbes)
	c.Threshold = util.GetEnvFloat("LINKER_THRESHOLD", c.Threshold)
	c.RelationThreshold = util.GetEnvFloat("LINKER_RELATION_THRESHOLD", c.RelationThreshold)
	c.RelationK = util.GetEnvInt("LINKER_RELATION_K", c.RelationK)
	c.ParallelWindows = util.GetEnvInt("LINKER_PARALLEL_WINDOWS", c.ParallelWindows)
	c.CallTimeout = util.GetEnvDuration("LINKER_CALL_TIMEOUT", c.CallTimeout)
	c.MaxRetries = util.GetEnvInt("LINKER_MAX_RETRIES", c.MaxRetries)
	c.RetryBackoff = util.GetEnvDuration("LINKER_RETRY_BACKOFF", c.RetryBackoff)
	c.PartialResults = util.GetEnvBool("LINKER_PARTIAL_RESULTS", c.PartialResults)
	c.HybridRetrieval = util.GetEnvBool("LINKER_HYBRID_RETRIEVAL", c.HybridRetrieval)
	c.Tokenizer = util.GetEnvString("LINKER_TOKENIZER", c.Tokenizer)
	return c
}
