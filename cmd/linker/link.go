package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/linker"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/loader"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/tokenizer"

	"github.com/spf13/cobra"
)

func linkCmd() *cobra.Command {
	var docID string
	var mentions []string

	cmd := &cobra.Command{
		Use:   "link [file|url]",
		Short: "Link entities and relations in a document read from a file, a URL or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			text, name, err := readDocument(ctx, cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if docID == "" {
				docID = name
			}
			tok, err := tokenizer.New(cfg.Tokenizer)
			if err != nil {
				return err
			}
			doc := common.NewDocument(docID, text, tok)
			doc.Mentions, err = parseMentions(mentions)
			if err != nil {
				return err
			}

			m, err := newModels()
			if err != nil {
				return err
			}
			scorer, err := m.scorer()
			if err != nil {
				return err
			}
			searcher, closeIndex, err := openIndex(ctx, cfg, m.embedder)
			if err != nil {
				return err
			}
			defer closeIndex()

			l, err := linker.NewLinker(linker.NewLinkerParams{
				Index:      searcher,
				Embedder:   m.embedder,
				SpanScorer: scorer,
			})
			if err != nil {
				return err
			}
			res, err := l.Link(ctx, doc, cfg)
			if err != nil {
				return err
			}
			if m.metrics != nil {
				mm := m.metrics()
				logger.Info("Model usage", "requests", mm.Requests, "total_tokens", mm.TotalTokens, "duration_ms", mm.DurationMs)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&docID, "id", "", "document id (default: file name)")
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "restrict linking to a token span start:end, repeatable")
	return cmd
}

func readDocument(ctx context.Context, stdin io.Reader, args []string) (string, string, error) {
	p := loader.Stdin
	if len(args) > 0 {
		p = args[0]
	}
	text, err := loader.New(stdin).Text(ctx, p)
	if err != nil {
		return "", "", err
	}
	return text, loader.Name(p), nil
}

func parseMentions(raw []string) ([]common.Span, error) {
	var out []common.Span
	for _, r := range raw {
		var s common.Span
		if _, err := fmt.Sscanf(strings.TrimSpace(r), "%d:%d", &s.Start, &s.End); err != nil || !s.Valid() {
			return nil, fmt.Errorf("%w: invalid mention %q", common.ErrConfig, r)
		}
		out = append(out, s)
	}
	return out, nil
}

type searchHit struct {
	ID          string      `json:"id"`
	Kind        common.Kind `json:"kind"`
	Score       float64     `json:"score"`
	Surface     string      `json:"surface,omitempty"`
	Description string      `json:"description,omitempty"`
}

func searchCmd() *cobra.Command {
	var k int
	var kind string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Embed a query and print the nearest candidates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			filter := index.Filter{}
			if kind != "" {
				parsed, err := common.ParseKind(kind)
				if err != nil {
					return err
				}
				filter = index.KindFilter(parsed)
			}

			m, err := newModels()
			if err != nil {
				return err
			}
			searcher, closeIndex, err := openIndex(ctx, cfg, m.embedder)
			if err != nil {
				return err
			}
			defer closeIndex()

			hits, err := search(ctx, searcher, m.embedder, strings.Join(args, " "), k, filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), hits)
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 10, "number of candidates")
	cmd.Flags().StringVar(&kind, "kind", "", "restrict to entity or relation candidates")
	return cmd
}

func search(ctx context.Context, searcher index.Searcher, embedder ai.Embedder, query string, k int, filter index.Filter) ([]searchHit, error) {
	vec, err := embedder.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncoding, err)
	}
	res, err := searcher.Search(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}
	candidates, err := searcher.Fetch(ctx, res.IDs())
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*common.Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	hits := make([]searchHit, 0, len(res))
	for _, r := range res {
		hit := searchHit{ID: r.ID, Score: r.Score}
		if c, ok := byID[r.ID]; ok {
			hit.Kind = c.Kind
			hit.Description = c.Description
			if len(c.SurfaceForms) > 0 {
				hit.Surface = c.SurfaceForms[0]
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Embed a JSON lines knowledge base and store it in postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newModels()
			if err != nil {
				return err
			}

			candidates, err := kbEmbedded(ctx, args[0], m.embedder)
			if err != nil {
				return err
			}
			store, pool, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			locker := leaselock.New(pool)
			err = locker.Do(ctx, "kb_import:"+store.Table(), leaselock.Options{Wait: true, WaitJitter: time.Second}, func(ctx context.Context) error {
				logger.Debug("[KB] Acquired import lock", "table", store.Table())
				return store.Upsert(ctx, candidates)
			})
			if err != nil {
				return err
			}
			logger.Info("Imported candidates", "count", len(candidates), "file", args[0])
			return nil
		},
	}
}
