// Package index holds the candidate catalog and answers nearest neighbour
// queries over candidate embeddings.
//
// A Snapshot is immutable once built. Index publishes the current snapshot
// through an atomic pointer; a rebuild installs a new snapshot while readers
// keep using the one they started with.
package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
)

// Filter restricts a search. The zero value matches every candidate.
type Filter struct {
	Kind common.Kind
}

// KindFilter matches candidates of kind k only.
func KindFilter(k common.Kind) Filter {
	return Filter{Kind: k}
}

func (f Filter) match(c *common.Candidate) bool {
	return f.Kind == 0 || c.Kind == f.Kind
}

// Searcher is the contract the retriever and reader consume. Results are
// ordered by descending score with ties broken by id.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int, filter Filter) (common.RetrievalResult, error)
	SearchBatch(ctx context.Context, queries [][]float32, k int, filter Filter) ([]common.RetrievalResult, error)
	Lookup(ctx context.Context, surface string, filter Filter) ([]string, error)
	Fetch(ctx context.Context, ids []string) ([]*common.Candidate, error)
	Dimension() int
}

// Pinner is implemented by searchers that change over time. Pin returns a
// searcher that stays fixed for the duration of one document.
type Pinner interface {
	Pin() (Searcher, error)
}

// Loader provides the candidates an index is built from.
type Loader interface {
	LoadCandidates(ctx context.Context) ([]common.Candidate, error)
}

// Index is the process wide holder of the current snapshot.
type Index struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	rebuild sync.Mutex
}

func New() *Index {
	return &Index{}
}

// Current returns the installed snapshot or nil.
func (i *Index) Current() *Snapshot {
	return i.current.Load()
}

// Swap installs s and returns its version. s must not be used by other
// holders afterwards.
func (i *Index) Swap(s *Snapshot) uint64 {
	cp := *s
	cp.version = i.version.Add(1)
	i.current.Store(&cp)
	return cp.version
}

// Rebuild loads candidates from loader, builds a snapshot and swaps it in.
// Concurrent rebuilds are serialized; searches are never blocked.
func (i *Index) Rebuild(ctx context.Context, loader Loader, opts BuildOptions) (uint64, error) {
	i.rebuild.Lock()
	defer i.rebuild.Unlock()

	candidates, err := loader.LoadCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load candidates: %w", err)
	}
	snap, err := Build(candidates, opts)
	if err != nil {
		return 0, err
	}
	v := i.Swap(snap)
	logger.Info("[Index] Installed snapshot", "version", v, "candidates", snap.Len(), "mode", snap.mode)
	return v, nil
}

func (i *Index) snapshot() (*Snapshot, error) {
	s := i.current.Load()
	if s == nil {
		return nil, common.ErrIndexEmpty
	}
	return s, nil
}

func (i *Index) Pin() (Searcher, error) {
	s, err := i.snapshot()
	if err != nil {
		return nil, err
	}
	if s.Len() == 0 {
		return nil, common.ErrIndexEmpty
	}
	return s, nil
}

func (i *Index) Search(ctx context.Context, query []float32, k int, filter Filter) (common.RetrievalResult, error) {
	s, err := i.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, query, k, filter)
}

func (i *Index) SearchBatch(ctx context.Context, queries [][]float32, k int, filter Filter) ([]common.RetrievalResult, error) {
	s, err := i.snapshot()
	if err != nil {
		return nil, err
	}
	return s.SearchBatch(ctx, queries, k, filter)
}

func (i *Index) Lookup(ctx context.Context, surface string, filter Filter) ([]string, error) {
	s, err := i.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Lookup(ctx, surface, filter)
}

func (i *Index) Fetch(ctx context.Context, ids []string) ([]*common.Candidate, error) {
	s, err := i.snapshot()
	if err != nil {
		return nil, err
	}
	return s.Fetch(ctx, ids)
}

// Dimension returns the embedding dimension of the current snapshot, 0 if
// none is installed.
func (i *Index) Dimension() int {
	s := i.current.Load()
	if s == nil {
		return 0
	}
	return s.Dimension()
}
