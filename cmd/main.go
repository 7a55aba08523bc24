package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/ragpipe/pkg/config"
	"github.com/xhad/ragpipe/pkg/loader"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/pipeline"
	"github.com/xhad/ragpipe/pkg/processor"
)

type Options struct {
	ConfigPath string
	Index      bool
	Search     string
	K          int
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		logger.GetDefault().Error("Pipeline failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func parseFlags() Options {
	var opts Options

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to config file")
	flag.BoolVar(&opts.Index, "index", false, "Embed the chunks and upsert them into the vector index")
	flag.StringVar(&opts.Search, "search", "", "Search the vector index for this text")
	flag.IntVar(&opts.K, "k", 5, "Number of search results")
	flag.Parse()

	return opts
}

func run(ctx context.Context, opts Options) error {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.SetupLogger(cfg.Log.Level, cfg.Log.JSON)
	ctx = logger.ContextWithLogger(ctx, log)

	if err := validationError(cfg.Validate()); err != nil {
		return err
	}
	needStore := opts.Index || opts.Search != ""
	if needStore {
		if err := validationError(cfg.ValidateIndexing()); err != nil {
			return err
		}
	}

	docs, err := loader.NewWithConfig(loader.LoaderConfig{Dir: cfg.Paths.Docs})
	if err != nil {
		return fmt.Errorf("failed to initialize loader: %w", err)
	}

	splitter, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    cfg.Processor.ChunkSize,
		ChunkOverlap: cfg.Processor.ChunkOverlap,
		Workers:      cfg.Processor.Workers,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}

	pcfg := pipeline.PipelineConfig{Loader: docs, Splitter: splitter}

	var storageBar *progressbar.ProgressBar
	if needStore {
		vectorStore, err := buildVectorStore(ctx, cfg, func(done, total int) {
			if storageBar != nil {
				_ = storageBar.Set(done)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		defer vectorStore.Close()
		pcfg.Store = vectorStore
	}

	p, err := pipeline.NewWithConfig(pcfg)
	if err != nil {
		return err
	}

	stats, err := p.Run(ctx)
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats)

	if err := writeStats(cfg.Paths.Output, stats); err != nil {
		log.Warn("Could not write stats", "error", err)
	}

	if opts.Index {
		storageBar = getProgressBar(stats.TotalChunks, "Embedding and upserting chunks")
		handle, err := p.Index(ctx)
		_ = storageBar.Finish()
		if err != nil {
			return fmt.Errorf("failed to index chunks: %w", err)
		}
		color.Green("\n✓ Indexed %d chunks into %s\n", stats.TotalChunks, handle.Name)
	}

	if opts.Search != "" {
		if !opts.Index {
			if _, err := p.Connect(ctx); err != nil {
				return fmt.Errorf("failed to open index: %w", err)
			}
		}

		spinner := getSpinner("Searching index...")
		results, err := p.Search(ctx, opts.Search, opts.K)
		_ = spinner.Finish()
		fmt.Print("\r")
		if err != nil {
			return fmt.Errorf("failed to search: %w", err)
		}
		printResults(os.Stdout, results)
	}

	return nil
}

func validationError(errs []config.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
}
