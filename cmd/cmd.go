package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/pkg/config"
	"github.com/xhad/ragpipe/pkg/llm"
	"github.com/xhad/ragpipe/pkg/processor"
	"github.com/xhad/ragpipe/pkg/store"
)

const previewLength = 200

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func printStats(w io.Writer, stats processor.Stats) {
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintln(w, "PIPELINE STATS:")
	fmt.Fprintf(w, "  total_chunks: %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "  avg_length: %s\n", formatMean(stats.AvgLength))
	fmt.Fprintf(w, "  min_length: %d\n", stats.MinLength)
	fmt.Fprintf(w, "  max_length: %d\n", stats.MaxLength)
	color.New(color.FgGreen).Fprintf(w, "\n%d chunks ready for embedding\n", stats.TotalChunks)
}

// formatMean prints the shortest exact form, keeping one decimal for whole
// numbers.
func formatMean(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func writeStats(dir string, stats processor.Stats) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "stats.json"), append(data, '\n'), 0o644)
}

func printResults(w io.Writer, results []models.SearchResult) {
	if len(results) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No matching chunks")
		return
	}

	title := color.New(color.FgGreen, color.Bold)
	for i, r := range results {
		source := r.Chunk.Metadata.String(models.MetaSourceFile)
		title.Fprintf(w, "%d. %s #%d", i+1, source, r.Chunk.Index)
		fmt.Fprintf(w, " (score %.4f)\n", r.Score)
		fmt.Fprintf(w, "   %s\n", preview(r.Chunk.Content))
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	return string([]rune(s)[:previewLength]) + "..."
}

func buildEmbedder(cfg *config.Config) (*llm.Embedder, error) {
	ec := llm.EmbedderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.EmbeddingModel(),
		Dimension:  cfg.Embedding.Dimension,
		BatchSize:  cfg.Embedding.BatchSize,
		Timeout:    cfg.Embedding.Timeout,
		RateLimit:  cfg.Embedding.RateLimit,
		CacheSize:  cfg.Embedding.CacheSize,
		MaxRetries: cfg.Embedding.MaxRetries,
	}
	switch cfg.Embedding.Provider {
	case config.ProviderOllama:
		ec.BaseURL = cfg.Embedding.OllamaURL
	default:
		ec.APIKey = cfg.OpenAI.APIKey
		ec.BaseURL = cfg.OpenAI.BaseURL
	}
	return llm.NewEmbedderWithConfig(ec)
}

func buildBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.VectorStore.Backend {
	case config.BackendPinecone:
		return store.NewPinecone(store.PineconeConfig{
			APIKey:        cfg.Pinecone.APIKey,
			ControllerURL: cfg.Pinecone.ControllerURL,
			Namespace:     cfg.Pinecone.Namespace,
			Timeout:       cfg.Pinecone.Timeout,
		})
	case config.BackendPgvector:
		return store.NewPgvector(ctx, cfg.VectorStore.DatabaseURL)
	case config.BackendChromem:
		path := ""
		if cfg.VectorStore.Persist {
			path = filepath.Join(cfg.Paths.Output, "chromem")
		}
		return store.NewChromem(path)
	default:
		return nil, fmt.Errorf("unsupported vector backend: %q", cfg.VectorStore.Backend)
	}
}

func buildVectorStore(ctx context.Context, cfg *config.Config, onProgress func(done, total int)) (*store.VectorStore, error) {
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	vs, err := store.NewWithConfig(embedder, backend, store.StoreConfig{
		Index: store.IndexSpec{
			Name:      cfg.IndexName(),
			Dimension: cfg.Embedding.Dimension,
			Metric:    store.Metric(cfg.VectorStore.Metric),
			Cloud:     cfg.Pinecone.Cloud,
			Region:    cfg.Pinecone.Region,
		},
		BatchSize:  cfg.VectorStore.BatchSize,
		OnProgress: onProgress,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return vs, nil
}
