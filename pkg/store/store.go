package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dotproduct"
)

// Metadata keys added to every stored record.
const (
	MetaText       = "text"
	MetaChunkIndex = "chunk_index"
)

var ErrIndexNotReady = errors.New("index not initialized, call EnsureIndex first")

type IndexSpec struct {
	Name      string
	Dimension int
	Metric    Metric
	Cloud     string
	Region    string
}

type Record struct {
	ID       string
	Values   []float32
	Content  string
	Metadata map[string]any
}

type Match struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]any
}

// Backend is a vector index that stores precomputed vectors.
type Backend interface {
	Name() string
	EnsureIndex(ctx context.Context, spec IndexSpec) (models.IndexHandle, error)
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
	Close()
}

// StoreError wraps a failure of the vector index service.
type StoreError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

type StoreConfig struct {
	Index      IndexSpec
	BatchSize  int
	DefaultK   int
	OnProgress func(done, total int)
}

// VectorStore embeds chunks and keeps them in a Backend.
type VectorStore struct {
	config   StoreConfig
	embedder types.Embedder
	backend  Backend
}

var _ types.VectorStore = (*VectorStore)(nil)

func NewWithConfig(embedder types.Embedder, backend Backend, config StoreConfig) (*VectorStore, error) {
	if embedder == nil || backend == nil {
		return nil, errors.New("store: embedder and backend are required")
	}
	if config.Index.Name == "" {
		return nil, errors.New("store: index name is required")
	}
	if config.Index.Dimension <= 0 {
		return nil, fmt.Errorf("store: invalid dimension %d", config.Index.Dimension)
	}
	if config.Index.Metric == "" {
		config.Index.Metric = MetricCosine
	}
	switch config.Index.Metric {
	case MetricCosine, MetricEuclidean, MetricDotProduct:
	default:
		return nil, fmt.Errorf("store: unsupported metric %q", config.Index.Metric)
	}
	if config.Index.Cloud == "" {
		config.Index.Cloud = "aws"
	}
	if config.Index.Region == "" {
		config.Index.Region = "us-west-2"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.DefaultK <= 0 {
		config.DefaultK = 5
	}

	return &VectorStore{
		config:   config,
		embedder: embedder,
		backend:  backend,
	}, nil
}

// EnsureIndex creates the index if absent and reuses it otherwise.
func (s *VectorStore) EnsureIndex(ctx context.Context) (models.IndexHandle, error) {
	handle, err := s.backend.EnsureIndex(ctx, s.config.Index)
	if err != nil {
		return models.IndexHandle{}, &StoreError{Op: "ensure index", Backend: s.backend.Name(), Err: err}
	}

	log := logger.FromContext(ctx)
	if handle.Created {
		log.Info("Created index", "name", handle.Name, "dimension", handle.Dimension, "metric", handle.Metric)
	} else {
		log.Info("Using existing index", "name", handle.Name)
	}
	return handle, nil
}

// Upsert embeds chunk contents batch by batch and writes them keyed by chunk ID.
func (s *VectorStore) Upsert(ctx context.Context, chunks []models.Chunk) error {
	done := 0
	for start := 0; start < len(chunks); start += s.config.BatchSize {
		batch := chunks[start:min(start+s.config.BatchSize, len(chunks))]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed batch: %w", err)
		}
		if len(vectors) != len(batch) {
			return &StoreError{
				Op:      "upsert",
				Backend: s.backend.Name(),
				Err:     fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(batch)),
			}
		}

		records := make([]Record, len(batch))
		for i, c := range batch {
			if len(vectors[i]) != s.config.Index.Dimension {
				return &StoreError{
					Op:      "upsert",
					Backend: s.backend.Name(),
					Err:     fmt.Errorf("vector for %s has %d dimensions, index expects %d", c.ID, len(vectors[i]), s.config.Index.Dimension),
				}
			}
			meta := c.Metadata.Clone()
			meta[MetaChunkIndex] = c.Index
			records[i] = Record{
				ID:       c.ID,
				Values:   vectors[i],
				Content:  c.Content,
				Metadata: meta,
			}
		}

		if err := s.backend.Upsert(ctx, records); err != nil {
			return &StoreError{Op: "upsert", Backend: s.backend.Name(), Err: err}
		}

		done += len(batch)
		if s.config.OnProgress != nil {
			s.config.OnProgress(done, len(chunks))
		}
	}

	logger.FromContext(ctx).Info("Upserted chunks", "count", len(chunks), "index", s.config.Index.Name)
	return nil
}

// Search returns up to k chunks nearest to query, best first. k <= 0 uses
// the configured default.
func (s *VectorStore) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		k = s.config.DefaultK
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := s.backend.Query(ctx, vector, k)
	if err != nil {
		return nil, &StoreError{Op: "query", Backend: s.backend.Name(), Err: err}
	}

	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, models.SearchResult{
			Chunk: chunkFromMatch(m),
			Score: m.Score,
		})
	}
	return results, nil
}

func (s *VectorStore) Close() {
	s.backend.Close()
}

func chunkFromMatch(m Match) models.Chunk {
	meta := models.Metadata{}
	index := 0
	for k, v := range m.Metadata {
		switch k {
		case MetaChunkIndex:
			index = toInt(v)
		case MetaText:
		default:
			meta[k] = v
		}
	}
	return models.Chunk{
		ID:       m.ID,
		Index:    index,
		Content:  m.Content,
		Metadata: meta,
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
