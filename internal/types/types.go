package types

import (
	"context"

	"github.com/xhad/ragpipe/internal/models"
)

// Core interfaces
type Loader interface {
	Load(ctx context.Context, extensions ...string) ([]models.TextUnit, error)
}

type Splitter interface {
	Split(ctx context.Context, units []models.TextUnit) ([]models.Chunk, error)
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	EnsureIndex(ctx context.Context) (models.IndexHandle, error)
	Upsert(ctx context.Context, chunks []models.Chunk) error
	Search(ctx context.Context, query string, k int) ([]models.SearchResult, error)
	Close()
}
