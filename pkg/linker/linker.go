// Package linker runs the retrieve-then-read pipeline over a whole document.
package linker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/aggregator"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/config"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/reader"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/resolve"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/retriever"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/window"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// NewLinkerParams holds the collaborators of a Linker. RelationScorer is
// only needed when relation extraction is enabled; it defaults to
// SpanScorer if that implements ai.RelationScorer.
type NewLinkerParams struct {
	Index          index.Searcher
	Embedder       ai.Embedder
	SpanScorer     ai.SpanScorer
	RelationScorer ai.RelationScorer
}

// Linker is safe for concurrent use. The index and models are shared
// read-only between documents.
type Linker struct {
	index     index.Searcher
	embedder  ai.Embedder
	spans     ai.SpanScorer
	relations ai.RelationScorer
}

func NewLinker(params NewLinkerParams) (*Linker, error) {
	if params.Index == nil {
		return nil, fmt.Errorf("%w: index is required", common.ErrConfig)
	}
	if params.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", common.ErrConfig)
	}
	if params.SpanScorer == nil {
		return nil, fmt.Errorf("%w: span scorer is required", common.ErrConfig)
	}
	relations := params.RelationScorer
	if relations == nil {
		relations, _ = params.SpanScorer.(ai.RelationScorer)
	}
	return &Linker{
		index:     params.Index,
		embedder:  params.Embedder,
		spans:     params.SpanScorer,
		relations: relations,
	}, nil
}

// IndexOptions returns the index build options described by cfg.
func IndexOptions(cfg config.Config) index.BuildOptions {
	return index.BuildOptions{
		Metric: index.Metric(cfg.SimilarityMetric),
		Mode:   index.Mode(cfg.IndexMode),
		Lists:  cfg.IndexLists,
		Probes: cfg.IndexProbes,
	}
}

func retryOptions(cfg config.Config) util.RetryOptions {
	return util.RetryOptions{
		MaxTries:   cfg.Retries(),
		Backoff:    cfg.RetryBackoff,
		MaxBackoff: 8 * cfg.RetryBackoff,
		Timeout:    cfg.CallTimeout,
	}
}

// pin fixes the snapshot used for the whole document.
func (l *Linker) pin(cfg config.Config) (index.Searcher, error) {
	searcher := l.index
	if p, ok := l.index.(index.Pinner); ok {
		s, err := p.Pin()
		if err != nil {
			return nil, err
		}
		searcher = s
	}
	if m, ok := searcher.(interface{ Metric() index.Metric }); ok && string(m.Metric()) != cfg.SimilarityMetric {
		return nil, fmt.Errorf("%w: index uses %s similarity, configuration asks for %s", common.ErrConfig, m.Metric(), cfg.SimilarityMetric)
	}
	return searcher, nil
}

type windowRun struct {
	window *window.Window
	diag   WindowDiagnostic
	out    *reader.Output
}

// Link annotates doc. Invalid configuration and an unavailable index abort
// the document; failures of single windows are recorded in the
// diagnostics. When ctx is canceled the completed windows are discarded and
// common.ErrCanceled is returned, unless cfg.PartialResults is set.
func (l *Linker) Link(ctx context.Context, doc *common.Document, cfg config.Config) (*Result, error) {
	started := time.Now()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is nil", common.ErrConfig)
	}
	strategy, err := resolve.New(cfg.ResolutionStrategy)
	if err != nil {
		return nil, err
	}
	windows, err := window.Split(doc, cfg.MaxWindowLength, cfg.WindowStride)
	if err != nil {
		return nil, err
	}
	searcher, err := l.pin(cfg)
	if err != nil {
		return nil, err
	}

	runID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	log := logger.With("run_id", runID, "doc_id", doc.ID)
	log.Info("[Linker] Linking document", "tokens", doc.Len(), "windows", len(windows))

	retry := retryOptions(cfg)
	ret := retriever.New(searcher, l.embedder, retriever.Options{
		Strategy:      cfg.QueryStrategy,
		MaxSpanLength: cfg.MaxSpanLength,
		Hybrid:        cfg.HybridRetrieval,
		Retry:         retry,
	})
	rd := reader.New(l.spans, l.relations, reader.Options{
		MaxSpanLength:     cfg.MaxSpanLength,
		Threshold:         cfg.Threshold,
		RelationThreshold: cfg.RelationThreshold,
		Relations:         cfg.RelationExtraction && l.relations != nil,
		Strategy:          strategy,
		Retry:             retry,
	})
	p := &pipeline{searcher: searcher, retriever: ret, reader: rd, cfg: cfg, log: log}

	runs := make([]windowRun, len(windows))
	for i := range windows {
		w := &windows[i]
		runs[i] = windowRun{
			window: w,
			diag:   WindowDiagnostic{Index: w.Index, Start: w.Start, End: w.End, Status: StatusFailed, Reason: ReasonNotRun},
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.ParallelWindows)
	for i := range runs {
		if gCtx.Err() != nil {
			break
		}
		run := &runs[i]
		g.Go(func() error {
			return p.process(gCtx, run)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("[Linker] Aborting document", "err", err)
		return nil, err
	}

	partial := false
	if err := ctx.Err(); err != nil {
		if !cfg.PartialResults {
			log.Warn("[Linker] Canceled, discarding results", "err", err)
			return nil, fmt.Errorf("%w: %w", common.ErrCanceled, err)
		}
		partial = true
	}

	inputs := make([]aggregator.Input, 0, len(runs))
	for i := range runs {
		if runs[i].out == nil {
			continue
		}
		inputs = append(inputs, aggregator.Input{Window: runs[i].window, Annotations: runs[i].out.Annotations()})
	}
	merged, err := aggregator.Merge(inputs)
	if err != nil {
		log.Error("[Linker] Merging windows failed", "err", err)
		return nil, err
	}

	res := &Result{
		DocID:       doc.ID,
		RunID:       runID,
		Annotations: merged.Annotations,
		Partial:     partial,
		Diagnostics: Diagnostics{
			Windows: make([]WindowDiagnostic, len(runs)),
			Dropped: merged.Dropped,
		},
	}
	m := &res.Diagnostics.Metrics
	m.Windows = len(runs)
	for i, run := range runs {
		res.Diagnostics.Windows[i] = run.diag
		switch run.diag.Status {
		case StatusOK:
			m.OK++
		case StatusDegraded:
			m.Degraded++
		case StatusFailed:
			m.Failed++
		}
	}
	m.Entities = len(merged.Entities())
	m.Relations = len(merged.Relations())
	m.DurationMs = time.Since(started).Milliseconds()

	log.Info("[Linker] Linked document",
		"entities", m.Entities,
		"relations", m.Relations,
		"degraded", m.Degraded,
		"failed", m.Failed,
		"partial", partial,
		"duration_ms", m.DurationMs,
	)
	return res, nil
}

type pipeline struct {
	searcher  index.Searcher
	retriever *retriever.Retriever
	reader    *reader.Reader
	cfg       config.Config
	log       logger.Fields
}

// process runs one window. Only errors that must abort the document are
// returned; everything else is recorded in the window diagnostic.
func (p *pipeline) process(ctx context.Context, run *windowRun) error {
	if ctx.Err() != nil {
		run.diag.Reason = ReasonCanceled
		return nil
	}
	if run.window.Blank() {
		run.diag.Status = StatusOK
		run.diag.Reason = ReasonNoMentions
		return nil
	}

	out, candidates, err := p.read(ctx, run.window)
	run.diag.Candidates = candidates
	if out != nil {
		run.out = out
		run.diag.Annotations = len(out.Entities) + len(out.Relations)
	}

	switch {
	case err == nil:
		run.diag.Status = StatusOK
		run.diag.Reason = ""
		return nil
	case ctx.Err() != nil:
		run.out = nil
		run.diag.Status = StatusFailed
		run.diag.Reason = ReasonCanceled
		run.diag.Error = err.Error()
		return nil
	case !common.IsWindowRecoverable(err):
		return fmt.Errorf("window %d: %w", run.window.Index, err)
	}

	run.diag.Reason = reasonFor(err)
	run.diag.Error = err.Error()
	if out != nil {
		run.diag.Status = StatusDegraded
	} else {
		run.diag.Status = StatusFailed
	}
	p.log.Warn("[Linker] Window degraded",
		"window", run.window.Index,
		"status", string(run.diag.Status),
		"reason", run.diag.Reason,
		"err", err,
	)
	return nil
}

func (p *pipeline) read(ctx context.Context, w *window.Window) (*reader.Output, int, error) {
	results, err := p.retriever.Retrieve(ctx, w, p.cfg.RetrievalK)
	if err != nil {
		return nil, 0, fmt.Errorf("retrieve: %w", err)
	}
	set := retriever.CandidateSet(results)
	entities, err := p.searcher.Fetch(ctx, set.IDs())
	if err != nil {
		return nil, len(set), fmt.Errorf("fetch candidates: %w", err)
	}

	var relations []*common.Candidate
	if p.cfg.RelationExtraction {
		rels, err := p.retriever.RetrieveRelations(ctx, w, p.cfg.RelationK)
		if err != nil && !errors.Is(err, common.ErrIndexEmpty) {
			return nil, len(set), fmt.Errorf("retrieve relations: %w", err)
		}
		if len(rels) > 0 {
			relations, err = p.searcher.Fetch(ctx, rels.IDs())
			if err != nil {
				return nil, len(set), fmt.Errorf("fetch relation candidates: %w", err)
			}
		}
	}

	p.log.Debug("[Linker] Candidates retrieved", "window", w.Index, "entities", len(entities), "relations", len(relations))
	out, err := p.reader.Read(ctx, w, entities, relations)
	return out, len(entities) + len(relations), err
}
