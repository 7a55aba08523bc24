package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Paths.Docs == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.docs",
			Message: "docs path is required",
		})
	}

	// Validate Embedding config
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unsupported provider: %s", c.Embedding.Provider),
		})
	}

	if c.Embedding.Dimension < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.dimension",
			Message: "dimension must be positive; set EMBEDDING_DIMENSION for this model",
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Embedding.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.max_retries",
			Message: "max_retries must be non-negative",
		})
	}

	if c.Embedding.RateLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "embedding.rate_limit",
			Message: "rate_limit must be non-negative",
		})
	}

	// Validate VectorStore config
	switch c.VectorStore.Backend {
	case BackendPinecone, BackendPgvector, BackendChromem:
	default:
		errors = append(errors, ValidationError{
			Field:   "vector_store.backend",
			Message: fmt.Sprintf("unsupported backend: %s", c.VectorStore.Backend),
		})
	}

	switch c.VectorStore.Metric {
	case "cosine", "euclidean", "dotproduct":
	default:
		errors = append(errors, ValidationError{
			Field:   "vector_store.metric",
			Message: fmt.Sprintf("unsupported metric: %s", c.VectorStore.Metric),
		})
	}

	if c.VectorStore.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "vector_store.batch_size",
			Message: "batch_size must be positive",
		})
	}

	return errors
}

// ValidateIndexing checks the credentials and endpoints needed to embed and
// upsert. Load and split work without them.
func (c *Config) ValidateIndexing() []ValidationError {
	var errors []ValidationError

	if c.Embedding.Provider == ProviderOpenAI && c.OpenAI.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "openai.api_key",
			Message: "OPENAI_API_KEY is required",
		})
	}

	if c.Embedding.Provider == ProviderOllama {
		if _, err := url.ParseRequestURI(c.Embedding.OllamaURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "embedding.ollama_url",
				Message: "invalid Ollama base URL",
			})
		}
	}

	switch c.VectorStore.Backend {
	case BackendPinecone:
		if c.Pinecone.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "pinecone.api_key",
				Message: "PINECONE_API_KEY is required",
			})
		}
		if c.Pinecone.IndexName == "" {
			errors = append(errors, ValidationError{
				Field:   "pinecone.index_name",
				Message: "PINECONE_INDEX_NAME is required",
			})
		}
	case BackendPgvector:
		if _, err := url.ParseRequestURI(c.VectorStore.DatabaseURL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "vector_store.database_url",
				Message: "invalid database URL",
			})
		}
	}

	return errors
}
