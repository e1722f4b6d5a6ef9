// Package hashing implements an offline embedder based on feature hashing
// of character n-grams. It needs no model and is fully deterministic.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const (
	DefaultDimension = 256
	DefaultNGram     = 3
)

// Embedder maps text to a unit length vector. Equal normalized texts map to
// equal vectors and texts sharing n-grams get a positive cosine similarity.
type Embedder struct {
	Dimension int
	NGram     int
}

func New(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{Dimension: dimension, NGram: DefaultNGram}
}

func (e *Embedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embed(string(input)), nil
}

func (e *Embedder) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = e.embed(string(in))
	}
	return out, nil
}

func (e *Embedder) embed(text string) []float32 {
	dim := e.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	n := e.NGram
	if n <= 0 {
		n = DefaultNGram
	}

	vec := make([]float64, dim)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune("#" + word + "#")
		add(vec, "w:"+word, 1)
		if len(runes) <= n {
			add(vec, string(runes), 0.5)
			continue
		}
		for i := 0; i+n <= len(runes); i++ {
			add(vec, string(runes[i:i+n]), 0.5)
		}
	}

	var sum float64
	for _, x := range vec {
		sum += x * x
	}
	out := make([]float32, dim)
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range vec {
		out[i] = float32(x / norm)
	}
	return out
}

func add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}
