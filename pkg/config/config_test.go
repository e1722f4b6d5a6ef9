package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantWindow bool
	}{
		{
			name:       "stride equals window length",
			mutate:     func(c *Config) { c.WindowStride = c.MaxWindowLength },
			wantWindow: true,
		},
		{
			name:       "zero stride",
			mutate:     func(c *Config) { c.WindowStride = 0 },
			wantWindow: true,
		},
		{
			name:       "negative window length",
			mutate:     func(c *Config) { c.MaxWindowLength = -1 },
			wantWindow: true,
		},
		{
			name:   "unknown strategy",
			mutate: func(c *Config) { c.ResolutionStrategy = "beam" },
		},
		{
			name:   "unknown metric",
			mutate: func(c *Config) { c.SimilarityMetric = "l2" },
		},
		{
			name:   "zero k",
			mutate: func(c *Config) { c.RetrievalK = 0 },
		},
		{
			name:   "negative timeout",
			mutate: func(c *Config) { c.CallTimeout = -time.Second },
		},
		{
			name:   "unknown tokenizer",
			mutate: func(c *Config) { c.Tokenizer = "sentencepiece" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, common.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if got := errors.Is(err, common.ErrInvalidWindowConfig); got != tt.wantWindow {
				t.Fatalf("ErrInvalidWindowConfig match = %v, want %v (%v)", got, tt.wantWindow, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linker.yaml")
	content := `
max_window_length: 8
window_stride: 4
resolution_strategy: optimal
similarity_metric: dot
relation_extraction_enabled: true
call_timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.MaxWindowLength != 8 || cfg.WindowStride != 4 {
		t.Fatalf("unexpected window config: %d/%d", cfg.MaxWindowLength, cfg.WindowStride)
	}
	if cfg.ResolutionStrategy != StrategyOptimal || cfg.SimilarityMetric != MetricDot {
		t.Fatalf("unexpected strategy/metric: %s/%s", cfg.ResolutionStrategy, cfg.SimilarityMetric)
	}
	if !cfg.RelationExtraction {
		t.Fatal("expected relation extraction enabled")
	}
	if cfg.CallTimeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", cfg.CallTimeout)
	}
	if cfg.RetrievalK != Default().RetrievalK {
		t.Fatalf("expected default retrieval_k, got %d", cfg.RetrievalK)
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linker.yaml")
	if err := os.WriteFile(path, []byte("max_window_length: 4\nwindow_stride: 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); !errors.Is(err, common.ErrInvalidWindowConfig) {
		t.Fatalf("expected ErrInvalidWindowConfig, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LINKER_RETRIEVAL_K", "7")
	t.Setenv("LINKER_RESOLUTION_STRATEGY", "optimal")
	t.Setenv("LINKER_PARTIAL_RESULTS", "true")
	t.Setenv("LINKER_CALL_TIMEOUT", "250ms")
	t.Setenv("LINKER_MAX_SPAN_LENGTH", "not-a-number")

	cfg := FromEnv(Default())
	if cfg.RetrievalK != 7 {
		t.Fatalf("expected k=7, got %d", cfg.RetrievalK)
	}
	if cfg.ResolutionStrategy != StrategyOptimal {
		t.Fatalf("expected optimal, got %s", cfg.ResolutionStrategy)
	}
	if !cfg.PartialResults {
		t.Fatal("expected partial results")
	}
	if cfg.CallTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.CallTimeout)
	}
	if cfg.MaxSpanLength != Default().MaxSpanLength {
		t.Fatalf("expected fallback span length, got %d", cfg.MaxSpanLength)
	}
}

func TestRetries(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 0
	if cfg.Retries() != 1 {
		t.Fatalf("expected 1 try, got %d", cfg.Retries())
	}
}
