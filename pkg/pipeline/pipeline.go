package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/processor"
)

type State int

const (
	StateIdle State = iota
	StateLoaded
	StateSplit
	StateEmbedded
	StateIndexed
	StateQueryReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateSplit:
		return "split"
	case StateEmbedded:
		return "embedded"
	case StateIndexed:
		return "indexed"
	case StateQueryReady:
		return "query_ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotImplemented is returned by Query, which has no answering path.
	ErrNotImplemented = errors.New("query answering is not implemented")
	ErrInvalidState   = errors.New("invalid pipeline state")
	ErrNoVectorStore  = errors.New("no vector store configured")
)

type PipelineConfig struct {
	Loader   types.Loader
	Splitter types.Splitter
	// Store is optional; without it the pipeline stops at Split.
	Store      types.VectorStore
	Extensions []string
}

// Pipeline runs load, split, embed and upsert in order and tracks how far
// it got.
type Pipeline struct {
	mu     sync.Mutex
	config PipelineConfig
	state  State
	units  []models.TextUnit
	chunks []models.Chunk
	// loaded and split record which stages ran since the last Load;
	// Connect can advance state without them.
	loaded bool
	split  bool
}

func NewWithConfig(config PipelineConfig) (*Pipeline, error) {
	if config.Loader == nil {
		return nil, errors.New("pipeline: loader is required")
	}
	if config.Splitter == nil {
		return nil, errors.New("pipeline: splitter is required")
	}
	return &Pipeline{config: config}, nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Load reads all documents. It can be called from any state and discards
// earlier results.
func (p *Pipeline) Load(ctx context.Context) ([]models.TextUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	units, err := p.config.Loader.Load(ctx, p.config.Extensions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}

	p.units = units
	p.chunks = nil
	p.loaded = true
	p.split = false
	p.transition(ctx, StateLoaded)
	return units, nil
}

func (p *Pipeline) Split(ctx context.Context) ([]models.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.require("split", StateLoaded); err != nil {
		return nil, err
	}

	chunks, err := p.config.Splitter.Split(ctx, p.units)
	if err != nil {
		return nil, fmt.Errorf("failed to split documents: %w", err)
	}

	p.chunks = chunks
	p.split = true
	p.transition(ctx, StateSplit)
	return chunks, nil
}

func (p *Pipeline) Stats() (processor.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.require("stats", StateSplit); err != nil {
		return processor.Stats{}, err
	}
	return processor.ComputeStats(p.chunks), nil
}

// Run loads and splits the documents and returns the chunk statistics.
func (p *Pipeline) Run(ctx context.Context) (processor.Stats, error) {
	if _, err := p.Load(ctx); err != nil {
		return processor.Stats{}, err
	}
	if _, err := p.Split(ctx); err != nil {
		return processor.Stats{}, err
	}
	return p.Stats()
}

// Index ensures the index exists, then embeds and upserts every chunk.
func (p *Pipeline) Index(ctx context.Context) (models.IndexHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Store == nil {
		return models.IndexHandle{}, ErrNoVectorStore
	}
	if err := p.require("index", StateSplit); err != nil {
		return models.IndexHandle{}, err
	}

	handle, err := p.config.Store.EnsureIndex(ctx)
	if err != nil {
		return models.IndexHandle{}, err
	}
	if err := p.config.Store.Upsert(ctx, p.chunks); err != nil {
		return models.IndexHandle{}, err
	}

	p.transition(ctx, StateEmbedded)
	p.transition(ctx, StateIndexed)
	return handle, nil
}

// Connect attaches to an index populated by an earlier run without
// upserting anything.
func (p *Pipeline) Connect(ctx context.Context) (models.IndexHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Store == nil {
		return models.IndexHandle{}, ErrNoVectorStore
	}

	handle, err := p.config.Store.EnsureIndex(ctx)
	if err != nil {
		return models.IndexHandle{}, err
	}
	if p.state < StateIndexed {
		p.transition(ctx, StateIndexed)
	}
	return handle, nil
}

func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Store == nil {
		return nil, ErrNoVectorStore
	}
	if err := p.require("search", StateIndexed); err != nil {
		return nil, err
	}

	results, err := p.config.Store.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if p.state != StateQueryReady {
		p.transition(ctx, StateQueryReady)
	}
	return results, nil
}

// Query would answer a question from the indexed chunks. It always fails
// with ErrNotImplemented.
func (p *Pipeline) Query(_ context.Context, question string) (string, error) {
	return "", fmt.Errorf("%w: %q", ErrNotImplemented, question)
}

func (p *Pipeline) require(op string, want State) error {
	var ok bool
	switch want {
	case StateLoaded:
		ok = p.loaded
	case StateSplit:
		ok = p.split
	default:
		ok = p.state >= want
	}
	if !ok {
		return fmt.Errorf("%w: %s needs %s, pipeline is %s", ErrInvalidState, op, want, p.state)
	}
	return nil
}

func (p *Pipeline) transition(ctx context.Context, next State) {
	logger.FromContext(ctx).Debug("Pipeline state", "from", p.state, "to", next)
	p.state = next
}
