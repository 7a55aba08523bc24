package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/xhad/ragpipe/internal/models"
)

// Chromem is an embedded in-process index, optionally persisted to disk.
// It only supports cosine similarity.
type Chromem struct {
	db   *chromem.DB
	path string
	coll *chromem.Collection
}

func NewChromem(path string) (*Chromem, error) {
	if path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open chromem db at %s: %w", path, err)
	}
	return &Chromem{db: db, path: path}, nil
}

func (c *Chromem) Name() string {
	return "chromem"
}

func (c *Chromem) EnsureIndex(_ context.Context, spec IndexSpec) (models.IndexHandle, error) {
	if spec.Metric != MetricCosine {
		return models.IndexHandle{}, fmt.Errorf("chromem supports only cosine, got %q", spec.Metric)
	}

	created := false
	coll := c.db.GetCollection(spec.Name, precomputed)
	if coll == nil {
		var err error
		coll, err = c.db.CreateCollection(spec.Name, map[string]string{
			"dimension": strconv.Itoa(spec.Dimension),
			"metric":    string(spec.Metric),
		}, precomputed)
		if err != nil {
			return models.IndexHandle{}, fmt.Errorf("failed to create collection: %w", err)
		}
		created = true
	}
	c.coll = coll

	host := "memory"
	if c.path != "" {
		host = c.path
	}
	return models.IndexHandle{
		Name:      spec.Name,
		Host:      host,
		Dimension: spec.Dimension,
		Metric:    string(spec.Metric),
		Created:   created,
	}, nil
}

func (c *Chromem) Upsert(ctx context.Context, records []Record) error {
	if c.coll == nil {
		return ErrIndexNotReady
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			if v != nil {
				meta[k] = fmt.Sprint(v)
			}
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Metadata:  meta,
			Embedding: r.Values,
			Content:   r.Content,
		}
	}
	return c.coll.AddDocuments(ctx, docs, runtime.NumCPU())
}

// Query returns at most k matches; fewer when the collection is smaller.
func (c *Chromem) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if c.coll == nil {
		return nil, ErrIndexNotReady
	}
	n := min(k, c.coll.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := c.coll.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		matches[i] = Match{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Content:  r.Content,
			Metadata: meta,
		}
	}
	return matches, nil
}

func (c *Chromem) Close() {}

// precomputed is the collection embedding func. Vectors always come from the
// configured embedder, so it is never expected to run.
func precomputed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem: documents must carry precomputed embeddings")
}
