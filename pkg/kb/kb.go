// Package kb loads knowledge-base candidates from external sources.
//
// Candidates are exchanged as JSON lines, one candidate per line:
//
//	{"id":"Q90","kind":"entity","surface_forms":["Paris"],"description":"capital of France","embedding":[...]}
package kb

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
)

// Loader provides the candidates an index is built from.
type Loader interface {
	LoadCandidates(ctx context.Context) ([]common.Candidate, error)
}

const maxLineSize = 16 << 20

// DecodeJSONL reads candidates from r. Empty lines are skipped; a missing
// kind defaults to entity.
func DecodeJSONL(r io.Reader) ([]common.Candidate, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var out []common.Candidate
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var c common.Candidate
		if err := json.Unmarshal([]byte(text), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if c.Kind == 0 {
			c.Kind = common.KindEntity
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeJSONL writes candidates as JSON lines.
func EncodeJSONL(w io.Writer, candidates []common.Candidate) error {
	enc := json.NewEncoder(w)
	for i := range candidates {
		if err := enc.Encode(&candidates[i]); err != nil {
			return err
		}
	}
	return nil
}

// FileLoader reads a JSON lines file from the local filesystem.
type FileLoader struct {
	Path string
}

func (l FileLoader) LoadCandidates(ctx context.Context) ([]common.Candidate, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out, err := DecodeJSONL(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.Path, err)
	}
	return out, nil
}

// EmbeddingLoader wraps a loader and embeds every candidate without an
// embedding.
type EmbeddingLoader struct {
	Loader    Loader
	Embedder  ai.Embedder
	BatchSize int
}

func (l EmbeddingLoader) LoadCandidates(ctx context.Context) ([]common.Candidate, error) {
	candidates, err := l.Loader.LoadCandidates(ctx)
	if err != nil {
		return nil, err
	}
	if err := EmbedMissing(ctx, l.Embedder, candidates, l.BatchSize); err != nil {
		return nil, err
	}
	return candidates, nil
}

const DefaultEmbedBatchSize = 256

// EmbedMissing fills the embedding of every candidate that has none from
// its text, in batches of batchSize.
func EmbedMissing(ctx context.Context, embedder ai.Embedder, candidates []common.Candidate, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatchSize
	}

	var missing []int
	for i := range candidates {
		if len(candidates[i].Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if embedder == nil {
		return fmt.Errorf("%w: %d candidates have no embedding and no embedder is configured", common.ErrIndex, len(missing))
	}

	logger.Info("[KB] Embedding candidates", "count", len(missing))
	return util.ChunkRange(len(missing), batchSize, func(start, end int) error {
		inputs := make([][]byte, 0, end-start)
		for _, i := range missing[start:end] {
			inputs = append(inputs, []byte(candidates[i].Text()))
		}
		embs, err := ai.GenerateEmbeddings(ctx, embedder, inputs)
		if err != nil {
			return fmt.Errorf("%w: embed candidates: %w", common.ErrEncoding, err)
		}
		for k, i := range missing[start:end] {
			candidates[i].Embedding = embs[k]
		}
		return nil
	})
}
