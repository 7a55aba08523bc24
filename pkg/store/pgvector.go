package store

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/ragpipe/internal/models"
)

// PgPool is the subset of *pgxpool.Pool used by Pgvector.
type PgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type distanceOps struct {
	opclass  string
	operator string
	score    func(distance float64) float64
}

var pgMetrics = map[Metric]distanceOps{
	MetricCosine: {
		opclass:  "vector_cosine_ops",
		operator: "<=>",
		score:    func(d float64) float64 { return 1 - d },
	},
	MetricEuclidean: {
		opclass:  "vector_l2_ops",
		operator: "<->",
		score:    func(d float64) float64 { return 1 / (1 + d) },
	},
	// <#> returns the negative inner product
	MetricDotProduct: {
		opclass:  "vector_ip_ops",
		operator: "<#>",
		score:    func(d float64) float64 { return -d },
	},
}

// Pgvector keeps vectors in a Postgres table with the pgvector extension.
type Pgvector struct {
	pool  PgPool
	spec  IndexSpec
	table string
	ops   distanceOps
	ready bool
}

func NewPgvector(ctx context.Context, connString string) (*Pgvector, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewPgvectorWithPool(pool), nil
}

func NewPgvectorWithPool(pool PgPool) *Pgvector {
	return &Pgvector{pool: pool}
}

func (p *Pgvector) Name() string {
	return "pgvector"
}

// EnsureIndex creates the extension, the table and its HNSW index when
// missing. The table name is the index name.
func (p *Pgvector) EnsureIndex(ctx context.Context, spec IndexSpec) (models.IndexHandle, error) {
	ops, ok := pgMetrics[spec.Metric]
	if !ok {
		return models.IndexHandle{}, fmt.Errorf("unsupported metric %q", spec.Metric)
	}
	table := pgx.Identifier{spec.Name}.Sanitize()

	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
		spec.Name,
	).Scan(&exists)
	if err != nil {
		return models.IndexHandle{}, fmt.Errorf("failed to check table: %w", err)
	}

	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return models.IndexHandle{}, fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d)
		)`, table, spec.Dimension)
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return models.IndexHandle{}, fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding %s)`,
		pgx.Identifier{spec.Name + "_embedding_idx"}.Sanitize(), table, ops.opclass)
	if _, err := p.pool.Exec(ctx, createIndex); err != nil {
		return models.IndexHandle{}, fmt.Errorf("failed to create index: %w", err)
	}

	p.spec = spec
	p.table = table
	p.ops = ops
	p.ready = true

	return models.IndexHandle{
		Name:      spec.Name,
		Host:      "postgres",
		Dimension: spec.Dimension,
		Metric:    string(spec.Metric),
		Created:   !exists,
	}, nil
}

// Upsert writes all records in one transaction.
func (p *Pgvector) Upsert(ctx context.Context, records []Record) error {
	if !p.ready {
		return ErrIndexNotReady
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`,
		p.table)

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", r.ID, err)
		}
		_, err = tx.Exec(ctx, stmt,
			r.ID,
			sanitizeUTF8(r.Content),
			meta,
			pgvector.NewVector(r.Values),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Pgvector) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if !p.ready {
		return nil, ErrIndexNotReady
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, embedding %s $1 AS distance
		FROM %s
		ORDER BY distance
		LIMIT $2`,
		p.ops.operator, p.table)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m        Match
			raw      []byte
			distance float64
		)
		if err := rows.Scan(&m.ID, &m.Content, &raw, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", m.ID, err)
			}
		}
		m.Score = p.ops.score(distance)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return matches, nil
}

func (p *Pgvector) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// sanitizeUTF8 drops invalid bytes, which Postgres rejects in TEXT columns.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
