package index

import (
	"cmp"
	"slices"
)

const kmeansIterations = 12

// invertedFile partitions the stored vectors with k-means. A query scans the
// lists of its nearest centroids only.
type invertedFile struct {
	centroids [][]float32
	lists     [][]int
	probes    int
	sim       func(a, b []float32) float64
}

// buildInvertedFile runs a deterministic k-means: initial centroids are
// spread evenly over the rows in id order, assignment ties go to the lower
// centroid and an empty list keeps its previous centroid.
func buildInvertedFile(vectors [][]float32, ids []string, lists, probes int, sim func(a, b []float32) float64) *invertedFile {
	order := make([]int, len(vectors))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int { return cmp.Compare(ids[a], ids[b]) })

	dim := len(vectors[0])
	centroids := make([][]float32, lists)
	for c := range centroids {
		centroids[c] = slices.Clone(vectors[order[c*len(order)/lists]])
	}

	assign := make([]int, len(vectors))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best := nearest(centroids, v, sim)
			if iter == 0 || best != assign[i] {
				changed = true
			}
			assign[i] = best
		}
		if !changed {
			break
		}

		sums := make([][]float64, lists)
		counts := make([]int, lists)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for _, i := range order {
			c := assign[i]
			counts[c]++
			for d, x := range vectors[i] {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			next := make([]float32, dim)
			for d := range next {
				next[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = next
		}
	}

	ivf := &invertedFile{
		centroids: centroids,
		lists:     make([][]int, lists),
		probes:    probes,
		sim:       sim,
	}
	for _, i := range order {
		c := assign[i]
		ivf.lists[c] = append(ivf.lists[c], i)
	}
	return ivf
}

func nearest(centroids [][]float32, v []float32, sim func(a, b []float32) float64) int {
	best, bestScore := 0, sim(centroids[0], v)
	for c := 1; c < len(centroids); c++ {
		if s := sim(centroids[c], v); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// probe returns the rows of the probes lists closest to q.
func (f *invertedFile) probe(q []float32) []int {
	type scored struct {
		list  int
		score float64
	}
	ranked := make([]scored, len(f.centroids))
	for c, centroid := range f.centroids {
		ranked[c] = scored{list: c, score: f.sim(centroid, q)}
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.list, b.list)
	})

	rows := make([]int, 0)
	for _, r := range ranked[:f.probes] {
		rows = append(rows, f.lists[r.list]...)
	}
	return rows
}
