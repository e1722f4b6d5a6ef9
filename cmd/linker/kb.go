package main

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/kb"
)

func kbEmbedded(ctx context.Context, path string, embedder ai.Embedder) ([]common.Candidate, error) {
	return kb.EmbeddingLoader{
		Loader:    kb.FileLoader{Path: path},
		Embedder:  embedder,
		BatchSize: util.GetEnvInt("KB_EMBED_BATCH_SIZE", kb.DefaultEmbedBatchSize),
	}.LoadCandidates(ctx)
}
