// Package pgvector implements the candidate searcher on PostgreSQL with the
// pgvector extension. It also serves as knowledge-base loader for building
// in-memory snapshots.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/linker/internal/util"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/common"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/index"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const (
	DefaultTable     = "kb_candidates"
	defaultBatchSize = 500
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	SendBatch(ctx context.Context, b *pgxv5.Batch) pgxv5.BatchResults
}

// Store searches candidates stored in a table created by Migrate. Tables
// other than DefaultTable must share its layout.
type Store struct {
	conn      pgxIConn
	table     string
	metric    index.Metric
	dim       int
	batchSize int
}

type StoreOption func(*Store)

func WithTable(name string) StoreOption {
	return func(s *Store) {
		s.table = name
	}
}

func WithMetric(m index.Metric) StoreOption {
	return func(s *Store) {
		s.metric = m
	}
}

// WithDimension makes searches with a query of another dimension fail
// with common.ErrDimensionMismatch before reaching the database.
func WithDimension(dim int) StoreOption {
	return func(s *Store) {
		s.dim = dim
	}
}

func WithBatchSize(n int) StoreOption {
	return func(s *Store) {
		s.batchSize = n
	}
}

func NewStore(conn pgxIConn, opts ...StoreOption) *Store {
	s := &Store{
		conn:      conn,
		table:     DefaultTable,
		metric:    index.Cosine,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// NewPool connects to databaseURL and registers the vector types on every
// connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// Table returns the unquoted table name.
func (s *Store) Table() string {
	return s.table
}

func (s *Store) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *Store) Dimension() int {
	return s.dim
}

// searchSQL orders by the pgvector distance operator of the metric, ties by
// id. The selected distance is turned into a similarity with score.
func (s *Store) searchSQL() string {
	op := "<=>"
	if s.metric == index.Dot {
		op = "<#>"
	}
	return fmt.Sprintf(
		`SELECT id, embedding %[2]s $1 AS distance FROM %[1]s
WHERE ($3 = '' OR kind = $3)
ORDER BY embedding %[2]s $1, id
LIMIT $2`, s.quotedTable(), op)
}

func (s *Store) score(distance float64) float64 {
	if s.metric == index.Dot {
		// <#> returns the negative inner product
		return -distance
	}
	return 1 - distance
}

func kindParam(f index.Filter) string {
	switch f.Kind {
	case common.KindEntity, common.KindRelation:
		return f.Kind.String()
	default:
		return ""
	}
}

func (s *Store) checkQuery(query []float32) error {
	if s.dim > 0 && len(query) != s.dim {
		return common.DimensionError(len(query), s.dim)
	}
	if len(query) == 0 {
		return fmt.Errorf("%w: empty query vector", common.ErrEncoding)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, k int, filter index.Filter) (common.RetrievalResult, error) {
	res, err := s.SearchBatch(ctx, [][]float32{query}, k, filter)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// SearchBatch sends all queries in one round trip.
func (s *Store) SearchBatch(ctx context.Context, queries [][]float32, k int, filter index.Filter) ([]common.RetrievalResult, error) {
	out := make([]common.RetrievalResult, len(queries))
	if len(queries) == 0 {
		return out, nil
	}
	for i, q := range queries {
		if err := s.checkQuery(q); err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
	}
	if k <= 0 {
		for i := range out {
			out[i] = common.RetrievalResult{}
		}
		return out, nil
	}

	sql := s.searchSQL()
	kind := kindParam(filter)
	batch := &pgxv5.Batch{}
	for _, q := range queries {
		batch.Queue(sql, pgv.NewVector(q), k, kind)
	}

	results := s.conn.SendBatch(ctx, batch)
	defer results.Close()

	empty := true
	for i := range queries {
		rows, err := results.Query()
		if err != nil {
			return nil, s.wrapQueryError(err)
		}
		res := make(common.RetrievalResult, 0, k)
		for rows.Next() {
			var id string
			var distance float64
			if err := rows.Scan(&id, &distance); err != nil {
				rows.Close()
				return nil, err
			}
			res = append(res, common.ScoredCandidate{ID: id, Score: s.score(distance)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, s.wrapQueryError(err)
		}
		if len(res) > 0 {
			empty = false
		}
		// the database orders by distance already, this only settles
		// float rounding between distance and score
		index.SortResult(res)
		out[i] = res
	}

	if empty {
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, common.ErrIndexEmpty
		}
	}
	return out, nil
}

// wrapQueryError maps pgvector dimension errors to ErrDimensionMismatch.
// Failures to reach the database are ErrIndexUnavailable, other database
// errors ErrIndex. Context errors are returned unchanged.
func (s *Store) wrapQueryError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "22000" {
			return fmt.Errorf("%w: %s", common.ErrDimensionMismatch, pgErr.Message)
		}
		if transientCode(pgErr.Code) {
			return fmt.Errorf("%w: %w", common.ErrIndexUnavailable, err)
		}
		return fmt.Errorf("%w: %w", common.ErrIndex, err)
	}
	return fmt.Errorf("%w: %w", common.ErrIndexUnavailable, err)
}

// transientCode reports SQLSTATE classes for connection loss, resource
// exhaustion and server shutdown.
func transientCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
		return true
	case code == "40001", code == "40P01":
		return true
	default:
		return false
	}
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.quotedTable())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIndex, err)
	}
	return n, nil
}

func (s *Store) Lookup(ctx context.Context, surface string, filter index.Filter) ([]string, error) {
	key := util.NormalizeSurface(surface)
	if key == "" {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE $1 = ANY(surface_keys) AND ($2 = '' OR kind = $2) ORDER BY id`,
		s.quotedTable()), key, kindParam(filter))
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	ids, err := pgxv5.CollectRows(rows, pgxv5.RowTo[string])
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	return ids, nil
}

type candidateRow struct {
	ID           string
	Kind         string
	Embedding    pgv.Vector
	SurfaceForms []string
	Description  string
}

func (r candidateRow) candidate() (common.Candidate, error) {
	kind, err := common.ParseKind(r.Kind)
	if err != nil {
		return common.Candidate{}, err
	}
	return common.Candidate{
		ID:           r.ID,
		Kind:         kind,
		Embedding:    r.Embedding.Slice(),
		SurfaceForms: r.SurfaceForms,
		Description:  r.Description,
	}, nil
}

const candidateColumns = "id, kind, embedding, surface_forms, description"

func scanCandidates(rows pgxv5.Rows) ([]common.Candidate, error) {
	defer rows.Close()
	var out []common.Candidate
	for rows.Next() {
		var r candidateRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Embedding, &r.SurfaceForms, &r.Description); err != nil {
			return nil, err
		}
		c, err := r.candidate()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Fetch returns the candidates for ids in the given order. Unknown ids are
// skipped.
func (s *Store) Fetch(ctx context.Context, ids []string) ([]*common.Candidate, error) {
	ids = util.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = ANY($1)`, candidateColumns, s.quotedTable()), ids)
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	found, err := scanCandidates(rows)
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	return orderByIDs(found, ids), nil
}

func orderByIDs(found []common.Candidate, ids []string) []*common.Candidate {
	byID := make(map[string]*common.Candidate, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}
	out := make([]*common.Candidate, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// LoadCandidates reads the whole table ordered by id.
func (s *Store) LoadCandidates(ctx context.Context) ([]common.Candidate, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s ORDER BY id`, candidateColumns, s.quotedTable()))
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	out, err := scanCandidates(rows)
	if err != nil {
		return nil, s.wrapQueryError(err)
	}
	return out, nil
}

// Upsert inserts or replaces candidates in batches. Every candidate needs
// an embedding.
func (s *Store) Upsert(ctx context.Context, candidates []common.Candidate) error {
	for _, c := range candidates {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("%w: candidate %q has no embedding", common.ErrIndex, c.ID)
		}
		if s.dim > 0 && len(c.Embedding) != s.dim {
			return fmt.Errorf("candidate %q: %w", c.ID, common.DimensionError(len(c.Embedding), s.dim))
		}
	}

	sql := fmt.Sprintf(`INSERT INTO %s (id, kind, embedding, surface_forms, surface_keys, description, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE SET
    kind = EXCLUDED.kind,
    embedding = EXCLUDED.embedding,
    surface_forms = EXCLUDED.surface_forms,
    surface_keys = EXCLUDED.surface_keys,
    description = EXCLUDED.description,
    updated_at = now()`, s.quotedTable())

	return util.ChunkRange(len(candidates), s.batchSize, func(start, end int) error {
		batch := &pgxv5.Batch{}
		for _, c := range candidates[start:end] {
			batch.Queue(sql,
				util.SanitizePostgresText(c.ID),
				c.Kind.String(),
				pgv.NewVector(c.Embedding),
				sanitizeAll(c.SurfaceForms),
				surfaceKeys(c.SurfaceForms),
				util.SanitizePostgresText(c.Description),
			)
		}
		if err := s.conn.SendBatch(ctx, batch).Close(); err != nil {
			return s.wrapQueryError(err)
		}
		return nil
	})
}

func sanitizeAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = util.SanitizePostgresText(v)
	}
	return out
}

func surfaceKeys(forms []string) []string {
	keys := make([]string, 0, len(forms))
	for _, f := range forms {
		keys = append(keys, util.SanitizePostgresText(util.NormalizeSurface(f)))
	}
	out := util.DedupeStrings(keys)
	if out == nil {
		out = []string{}
	}
	return out
}

var (
	_ index.Searcher = (*Store)(nil)
	_ index.Loader   = (*Store)(nil)
)
