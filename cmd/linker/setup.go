package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai/hashing"
	oai "github.com/OFFIS-RIT/kiwi/linker/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/kiwi/linker/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/config"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index/pgvector"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/kb"
	kbs3 "github.com/OFFIS-RIT/kiwi/linker/pkg/kb/s3"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/linker"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// models are the model backends selected by AI_ADAPTER.
type models struct {
	embedder  ai.Embedder
	completer ai.FormatCompleter
	metrics   func() ai.ModelMetrics
}

// newModels creates the backends. Embeddings are cached across the
// overlapping windows of a run.
func newModels() (*models, error) {
	m, err := newAdapter()
	if err != nil {
		return nil, err
	}
	m.embedder = ai.NewCachedEmbedder(m.embedder, util.GetEnvInt("AI_EMBED_CACHE_SIZE", 50000))
	return m, nil
}

func newAdapter() (*models, error) {
	adapter := util.GetEnvString("AI_ADAPTER", "openai")
	maxRequests := int64(util.GetEnvInt("AI_MAX_CONCURRENT_REQUESTS", 0))
	embedDim := util.GetEnvInt("AI_EMBED_DIM", 0)

	switch adapter {
	case "hashing":
		return &models{embedder: hashing.New(embedDim)}, nil
	case "ollama":
		client, err := oai.NewLinkerOllamaClient(oai.NewLinkerOllamaClientParams{
			EmbeddingModel:        util.GetEnv("AI_EMBED_MODEL"),
			EmbeddingDim:          embedDim,
			ScoringModel:          util.GetEnvString("AI_CHAT_MODEL", ""),
			BaseURL:               util.GetEnvString("AI_CHAT_URL", ""),
			ApiKey:                util.GetEnvString("AI_CHAT_KEY", ""),
			MaxConcurrentRequests: maxRequests,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return &models{embedder: client, completer: client, metrics: client.GetMetrics}, nil
	case "openai":
		client := gai.NewLinkerOpenAIClient(gai.NewLinkerOpenAIClientParams{
			EmbeddingModel:        util.GetEnv("AI_EMBED_MODEL"),
			EmbeddingDim:          embedDim,
			ScoringModel:          util.GetEnvString("AI_CHAT_MODEL", ""),
			EmbeddingURL:          util.GetEnvString("AI_EMBED_URL", ""),
			EmbeddingKey:          util.GetEnvString("AI_EMBED_KEY", ""),
			ChatURL:               util.GetEnvString("AI_CHAT_URL", ""),
			ChatKey:               util.GetEnvString("AI_CHAT_KEY", ""),
			MaxConcurrentRequests: maxRequests,
		})
		return &models{embedder: client, completer: client, metrics: client.GetMetrics}, nil
	default:
		return nil, fmt.Errorf("unknown AI_ADAPTER %q", adapter)
	}
}

// scorer returns the reader model selected by AI_READER.
func (m *models) scorer() (ai.Scorer, error) {
	switch reader := util.GetEnvString("AI_READER", "biencoder"); reader {
	case "biencoder":
		s := ai.NewBiEncoderScorer(m.embedder)
		s.Scale = util.GetEnvFloat("AI_READER_SCALE", s.Scale)
		s.Bias = util.GetEnvFloat("AI_READER_BIAS", s.Bias)
		return s, nil
	case "structured":
		if m.completer == nil {
			return nil, fmt.Errorf("AI_READER=structured needs a chat capable AI_ADAPTER")
		}
		return ai.NewStructuredScorer(m.completer, ai.WithTemperature(util.GetEnvFloat("AI_CHAT_TEMPERATURE", 0))), nil
	default:
		return nil, fmt.Errorf("unknown AI_READER %q", reader)
	}
}

// openStore migrates DATABASE_URL and returns the candidate store on it.
func openStore(ctx context.Context, cfg config.Config) (*pgvector.Store, *pgxpool.Pool, error) {
	url := util.GetEnv("DATABASE_URL")
	if err := pgvector.Migrate(url); err != nil {
		return nil, nil, err
	}
	pool, err := pgvector.NewPool(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	store := pgvector.NewStore(pool,
		pgvector.WithMetric(index.Metric(cfg.SimilarityMetric)),
		pgvector.WithDimension(util.GetEnvInt("AI_EMBED_DIM", 0)),
	)
	return store, pool, nil
}

func source() string {
	if kbSource != "" {
		return strings.ToLower(kbSource)
	}
	return strings.ToLower(util.GetEnvString("KB_SOURCE", "file"))
}

func fileLoader() (kb.Loader, error) {
	path := kbPath
	if path == "" {
		path = util.GetEnvString("KB_PATH", "")
	}
	if path == "" {
		return nil, fmt.Errorf("no knowledge base given, use --kb or KB_PATH")
	}
	return kb.FileLoader{Path: path}, nil
}

// openIndex builds the searcher for the configured knowledge base. The
// returned function releases its resources.
func openIndex(ctx context.Context, cfg config.Config, embedder ai.Embedder) (index.Searcher, func(), error) {
	noop := func() {}
	var loader kb.Loader

	switch src := source(); src {
	case "file":
		l, err := fileLoader()
		if err != nil {
			return nil, noop, err
		}
		loader = l
	case "s3":
		client, err := kbs3.NewS3Client(ctx)
		if err != nil {
			return nil, noop, err
		}
		var keys []string
		if raw := util.GetEnvString("KB_S3_KEYS", ""); raw != "" {
			keys = util.DedupeStrings(strings.Split(raw, ","))
		}
		l := kbs3.NewLoader(client, util.GetEnv("KB_S3_BUCKET"), keys...)
		l.Prefix = util.GetEnvString("KB_S3_PREFIX", "")
		loader = l
	case "postgres":
		store, pool, err := openStore(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		if directDB {
			logger.Info("Searching candidates in postgres")
			return store, pool.Close, nil
		}
		idx := index.New()
		if _, err := idx.Rebuild(ctx, store, linker.IndexOptions(cfg)); err != nil {
			pool.Close()
			return nil, noop, err
		}
		pool.Close()
		return idx, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown knowledge base source %q", src)
	}

	idx := index.New()
	_, err := idx.Rebuild(ctx, kb.EmbeddingLoader{
		Loader:    loader,
		Embedder:  embedder,
		BatchSize: util.GetEnvInt("KB_EMBED_BATCH_SIZE", kb.DefaultEmbedBatchSize),
	}, linker.IndexOptions(cfg))
	if err != nil {
		return nil, noop, err
	}
	return idx, noop, nil
}
