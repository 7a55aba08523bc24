package processor

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/ragpipe/internal/models"
)

// DefaultSeparators go from most to least structural. The empty separator
// splits between code points.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ragpipe:chunk"))

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
	Workers      int
}

// ConfigError reports chunking parameters that cannot produce valid chunks.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("processor: invalid %s: %s", e.Field, e.Message)
}

type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize <= 0 {
		return nil, &ConfigError{
			Field:   "chunk_size",
			Message: fmt.Sprintf("must be positive, got %d", config.ChunkSize),
		}
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, &ConfigError{
			Field:   "chunk_overlap",
			Message: fmt.Sprintf("%d must be non-negative and less than chunk_size %d", config.ChunkOverlap, config.ChunkSize),
		}
	}
	if config.Separators == nil {
		config.Separators = append([]string(nil), DefaultSeparators...)
	}
	if config.Workers < 1 {
		config.Workers = runtime.NumCPU()
	}

	return &Processor{config: config}, nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Split chunks every unit. Units are processed concurrently but the result
// keeps unit order, then chunk order within a unit.
func (p *Processor) Split(ctx context.Context, units []models.TextUnit) ([]models.Chunk, error) {
	results := make([][]models.Chunk, len(units))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)
	for i, unit := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.splitUnit(unit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	chunks := make([]models.Chunk, 0, total)
	for _, r := range results {
		chunks = append(chunks, r...)
	}
	return chunks, nil
}

func (p *Processor) splitUnit(unit models.TextUnit) []models.Chunk {
	texts := p.SplitText(unit.Content)
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.Chunk{
			ID:       chunkID(unit.Metadata, i, text),
			Index:    i,
			Content:  text,
			Metadata: unit.Metadata.Clone(),
		}
	}
	return chunks
}

func chunkID(meta models.Metadata, index int, text string) string {
	var b strings.Builder
	b.WriteString(meta.String(models.MetaSourceFile))
	b.WriteByte(0)
	if page, ok := meta[models.MetaPage]; ok {
		b.WriteString(fmt.Sprint(page))
	}
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(index))
	b.WriteByte(0)
	b.WriteString(text)
	return uuid.NewSHA1(chunkNamespace, []byte(b.String())).String()
}

// SplitText returns the chunk texts for a single string. Lengths are counted
// in code points. Chunks are exact substrings of text: dropping the overlap
// prefix of every chunk after the first and concatenating gives text back.
func (p *Processor) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	size, overlap := p.config.ChunkSize, p.config.ChunkOverlap
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	// Pieces are capped at size-overlap so an overlap prefix plus the next
	// piece always fits in one chunk.
	pieces := p.decompose(text, size-overlap)
	return pack(text, pieces, size, overlap)
}

// piece is a contiguous byte range of the source text.
type piece struct {
	start, end int
	runes      int
}

type frame struct {
	start, end int
	sep        int
}

// decompose breaks text into contiguous pieces of at most limit code points,
// using the coarsest separator that applies to each span. Spans that no
// remaining separator can break are kept whole.
func (p *Processor) decompose(text string, limit int) []piece {
	var pieces []piece
	stack := []frame{{start: 0, end: len(text), sep: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		span := text[f.start:f.end]
		n := utf8.RuneCountInString(span)
		if n <= limit {
			pieces = append(pieces, piece{start: f.start, end: f.end, runes: n})
			continue
		}

		idx := p.separatorFor(span, f.sep)
		if idx < 0 {
			pieces = append(pieces, piece{start: f.start, end: f.end, runes: n})
			continue
		}

		parts := splitKeep(span, p.config.Separators[idx])
		for i := len(parts) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				start: f.start + parts[i].start,
				end:   f.start + parts[i].end,
				sep:   idx + 1,
			})
		}
	}
	return pieces
}

func (p *Processor) separatorFor(s string, from int) int {
	for i := from; i < len(p.config.Separators); i++ {
		sep := p.config.Separators[i]
		if sep == "" || strings.Contains(s, sep) {
			return i
		}
	}
	return -1
}

// splitKeep splits s after every occurrence of sep, so the separator stays
// with the text before it. An empty sep splits per code point.
func splitKeep(s, sep string) []piece {
	var out []piece
	if sep == "" {
		for i := 0; i < len(s); {
			_, w := utf8.DecodeRuneInString(s[i:])
			out = append(out, piece{start: i, end: i + w})
			i += w
		}
		return out
	}

	start := 0
	for {
		j := strings.Index(s[start:], sep)
		if j < 0 {
			break
		}
		end := start + j + len(sep)
		out = append(out, piece{start: start, end: end})
		start = end
	}
	if start < len(s) {
		out = append(out, piece{start: start, end: len(s)})
	}
	return out
}

// pack greedily merges pieces into chunks of at most size code points. Each
// new chunk opens with the last overlap code points of the previous one.
func pack(text string, pieces []piece, size, overlap int) []string {
	var chunks []string

	start, end := pieces[0].start, pieces[0].start
	length := 0
	fresh := false

	for _, pc := range pieces {
		if length+pc.runes > size {
			if fresh {
				chunks = append(chunks, text[start:end])
				start, length = tail(text, start, end, overlap)
			}
			// An indivisible piece larger than the room left goes out alone.
			if length+pc.runes > size {
				start, length = end, 0
			}
		}
		end = pc.end
		length += pc.runes
		fresh = true
	}
	if fresh {
		chunks = append(chunks, text[start:end])
	}
	return chunks
}

// tail walks back n code points from end, not past start, and returns the new
// start offset with the number of code points covered.
func tail(text string, start, end, n int) (int, int) {
	i, count := end, 0
	for count < n && i > start {
		_, w := utf8.DecodeLastRuneInString(text[start:i])
		i -= w
		count++
	}
	return i, count
}
