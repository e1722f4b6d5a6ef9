package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model on Ollama.
func (c *LinkerOllamaClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	out, err := c.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateEmbeddings embeds all non-blank inputs with one /api/embed call.
func (c *LinkerOllamaClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(inputs))
	var idxMap []int
	var texts []string
	for i, in := range inputs {
		if len(strings.TrimSpace(string(in))) == 0 {
			continue
		}
		idxMap = append(idxMap, i)
		texts = append(texts, string(in))
	}

	if len(texts) > 0 {
		if err := c.reqLock.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		res, err := c.Client.Embed(ctx, &api.EmbedRequest{
			Model: c.embeddingModel,
			Input: texts,
		})
		c.reqLock.Release(1)
		if err != nil {
			return nil, err
		}

		c.modifyMetrics(ai.ModelMetrics{
			InputTokens: res.PromptEvalCount,
			TotalTokens: res.PromptEvalCount,
			DurationMs:  res.TotalDuration.Milliseconds(),
		})

		if len(res.Embeddings) != len(texts) {
			return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(texts))
		}
		for i, emb := range res.Embeddings {
			out[idxMap[i]] = fit(emb, c.embeddingDim)
		}
	}

	dim := c.embeddingDim
	if dim == 0 && len(idxMap) > 0 {
		dim = len(out[idxMap[0]])
	}
	for i := range out {
		if out[i] == nil {
			out[i] = make([]float32, dim)
		}
	}
	return out, nil
}

func fit(v []float32, dim int) []float32 {
	if dim <= 0 || len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}
