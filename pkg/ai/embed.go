package ai

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// GenerateEmbeddings embeds inputs with the batch fast path of embedder if
// it has one and falls back to parallel single requests otherwise.
func GenerateEmbeddings(ctx context.Context, embedder Embedder, inputs [][]byte) ([][]float32, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	if b, ok := embedder.(BatchEmbedder); ok {
		out, err := b.GenerateEmbeddings(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(out) != len(inputs) {
			return nil, fmt.Errorf("embedding result size mismatch: got %d want %d", len(out), len(inputs))
		}
		return out, nil
	}

	out := make([][]float32, len(inputs))
	eg, ectx := errgroup.WithContext(ctx)
	for i := range inputs {
		eg.Go(func() error {
			emb, err := embedder.GenerateEmbedding(ectx, inputs[i])
			if err != nil {
				return err
			}
			out[i] = emb
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CachedEmbedder memoizes embeddings by input text. Overlapping windows
// embed the same spans again; concurrent requests for one text share a
// single call to the wrapped embedder.
//
// The cache is unbounded when MaxEntries is 0. When full it is cleared.
type CachedEmbedder struct {
	Embedder   Embedder
	MaxEntries int

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string][]float32
}

func NewCachedEmbedder(embedder Embedder, maxEntries int) *CachedEmbedder {
	return &CachedEmbedder{
		Embedder:   embedder,
		MaxEntries: maxEntries,
		cache:      make(map[string][]float32),
	}
}

func (c *CachedEmbedder) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *CachedEmbedder) put(key string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		c.cache = make(map[string][]float32)
	}
	if c.MaxEntries > 0 && len(c.cache) >= c.MaxEntries {
		clear(c.cache)
	}
	c.cache[key] = v
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	key := string(input)
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.get(key); ok {
			return v, nil
		}
		emb, err := c.Embedder.GenerateEmbedding(ctx, input)
		if err != nil {
			return nil, err
		}
		c.put(key, emb)
		return emb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// GenerateEmbeddings embeds only the inputs missing from the cache, in one
// batch.
func (c *CachedEmbedder) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	missing := make(map[string][]int)
	var order []string
	for i, in := range inputs {
		key := string(in)
		if v, ok := c.get(key); ok {
			out[i] = v
			continue
		}
		if _, seen := missing[key]; !seen {
			order = append(order, key)
		}
		missing[key] = append(missing[key], i)
	}
	if len(order) == 0 {
		return out, nil
	}

	batch := make([][]byte, len(order))
	for i, key := range order {
		batch[i] = []byte(key)
	}
	embs, err := GenerateEmbeddings(ctx, c.Embedder, batch)
	if err != nil {
		return nil, err
	}
	for i, key := range order {
		c.put(key, embs[i])
		for _, pos := range missing[key] {
			out[pos] = embs[i]
		}
	}
	return out, nil
}
