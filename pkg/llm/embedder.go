package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/xhad/ragpipe/pkg/logger"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	DefaultModel       = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultDimension   = 1536
)

// EmbedderConfig represents the configuration for an embedding generator.
type EmbedderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Dimension int
	BatchSize int
	Timeout   time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	// CacheSize bounds the query-embedding cache; zero disables it.
	CacheSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// EmbeddingError wraps a failure of the remote embedding service.
type EmbeddingError struct {
	Op    string
	Model string
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s with %s: %v", e.Op, e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// Embedder turns text into vectors through a langchaingo embedding client.
type Embedder struct {
	config  EmbedderConfig
	embed   embeddings.Embedder
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	config = withDefaults(config)

	var client embeddings.EmbedderClient
	switch config.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithEmbeddingModel(config.Model)}
		if config.APIKey != "" {
			opts = append(opts, openai.WithToken(config.APIKey))
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		c, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai client: %w", err)
		}
		client = c
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(config.Model)}
		if config.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(config.BaseURL))
		}
		c, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
		}
		client = c
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", config.Provider)
	}

	return NewEmbedderWithClient(config, client)
}

// NewEmbedderWithClient builds an Embedder around any embedding client.
func NewEmbedderWithClient(config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	config = withDefaults(config)

	embed, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	e := &Embedder{
		config:  config,
		embed:   embed,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if config.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, []float32](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

func withDefaults(config EmbedderConfig) EmbedderConfig {
	if config.Provider == "" {
		config.Provider = ProviderOpenAI
	}
	if config.Model == "" {
		config.Model = DefaultModel
		if config.Provider == ProviderOllama {
			config.Model = DefaultOllamaModel
		}
	}
	if config.Dimension == 0 && config.Model == DefaultModel {
		config.Dimension = DefaultDimension
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	return config
}

func (e *Embedder) Model() string {
	return e.config.Model
}

// Dimension is the configured vector length, zero when unknown.
func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// EmbedDocuments returns one vector per text, in input order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// langchaingo may rewrite the slice it is given
	input := append([]string(nil), texts...)

	var vectors [][]float32
	err := e.call(ctx, "documents", func(ctx context.Context) error {
		var err error
		vectors, err = e.embed.EmbedDocuments(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, &EmbeddingError{
			Op:    "documents",
			Model: e.config.Model,
			Err:   fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}
	for _, v := range vectors {
		if err := e.checkDimension("documents", v); err != nil {
			return nil, err
		}
	}

	logger.FromContext(ctx).Debug("Embedded documents", "count", len(texts), "model", e.config.Model)
	return vectors, nil
}

// EmbedQuery returns the vector for a single query text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(text); ok {
			return slices.Clone(v), nil
		}
	}

	var vector []float32
	err := e.call(ctx, "query", func(ctx context.Context) error {
		var err error
		vector, err = e.embed.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := e.checkDimension("query", vector); err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Add(text, slices.Clone(vector))
	}
	return vector, nil
}

// call runs fn under the rate limiter and per-call timeout, retrying up to
// MaxRetries times with exponential backoff.
func (e *Embedder) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(e.config.MaxRetries), retry.NewExponential(e.config.RetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		if err := safeCall(callCtx, fn); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.FromContext(ctx).Warn("Embedding request failed", "op", op, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &EmbeddingError{Op: op, Model: e.config.Model, Err: err}
	}
	return nil
}

// safeCall turns a panic inside the client (for example an empty response
// indexed by langchaingo) into an error.
func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("embedding client panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (e *Embedder) checkDimension(op string, v []float32) error {
	if len(v) == 0 {
		return &EmbeddingError{Op: op, Model: e.config.Model, Err: errors.New("empty vector")}
	}
	if e.config.Dimension > 0 && len(v) != e.config.Dimension {
		return &EmbeddingError{
			Op:    op,
			Model: e.config.Model,
			Err:   fmt.Errorf("vector has %d dimensions, expected %d", len(v), e.config.Dimension),
		}
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return &EmbeddingError{Op: op, Model: e.config.Model, Err: errors.New("vector contains NaN or Inf")}
		}
	}
	return nil
}
