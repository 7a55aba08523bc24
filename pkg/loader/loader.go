package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/pkg/logger"
)

var DefaultExtensions = []string{".pdf", ".txt", ".md"}

type LoaderConfig struct {
	Dir string
	// Parsers is keyed by lowercase extension with a leading dot.
	// Nil means DefaultParsers.
	Parsers map[string]Parser
	// OnFile is called after every file attempt.
	OnFile func(path string, units int, err error)
}

type Loader struct {
	config LoaderConfig
}

// NewWithConfig creates the documents directory if it does not exist.
func NewWithConfig(config LoaderConfig) (*Loader, error) {
	if config.Dir == "" {
		return nil, errors.New("loader: documents directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create documents directory: %w", err)
	}
	if config.Parsers == nil {
		config.Parsers = DefaultParsers()
	}

	return &Loader{config: config}, nil
}

func (l *Loader) Dir() string {
	return l.config.Dir
}

// Load reads every file directly inside the documents directory whose
// extension is in extensions (DefaultExtensions when empty). Extensions are
// visited in sorted order and files in filename order. A file that fails to
// parse is logged and skipped; only an unreadable directory or a cancelled
// context fails the whole load.
func (l *Loader) Load(ctx context.Context, extensions ...string) ([]models.TextUnit, error) {
	log := logger.FromContext(ctx)

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}

	var units []models.TextUnit
	for _, ext := range normalizeExtensions(extensions) {
		parser, ok := l.config.Parsers[ext]
		if !ok {
			log.Warn("Unsupported file type", "extension", ext)
			continue
		}

		loaded := 0
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			path := filepath.Join(l.config.Dir, entry.Name())
			fileUnits, err := parser.Parse(ctx, path)
			if l.config.OnFile != nil {
				l.config.OnFile(path, len(fileUnits), err)
			}
			if err != nil {
				log.Error("Error loading file", "file", entry.Name(), "error", err)
				continue
			}

			for _, u := range fileUnits {
				meta := u.Metadata.Clone()
				meta[models.MetaSourceFile] = entry.Name()
				meta[models.MetaDocType] = strings.TrimPrefix(ext, ".")
				units = append(units, models.TextUnit{Content: u.Content, Metadata: meta})
			}
			loaded++
		}
		log.Info("Loaded files", "extension", ext, "count", loaded)
	}

	return units, nil
}

func normalizeExtensions(extensions []string) []string {
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
