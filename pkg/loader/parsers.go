package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/xhad/ragpipe/internal/models"
)

var ErrInvalidEncoding = errors.New("file is not valid UTF-8")

// Parser turns one file into text units.
type Parser interface {
	Parse(ctx context.Context, path string) ([]models.TextUnit, error)
}

type ParserFunc func(ctx context.Context, path string) ([]models.TextUnit, error)

func (f ParserFunc) Parse(ctx context.Context, path string) ([]models.TextUnit, error) {
	return f(ctx, path)
}

func DefaultParsers() map[string]Parser {
	return map[string]Parser{
		".txt":  TextParser{},
		".md":   MarkdownParser{},
		".pdf":  PDFParser{},
		".html": HTMLParser{},
		".htm":  HTMLParser{},
	}
}

// TextParser yields the whole file as one unit.
type TextParser struct{}

func (TextParser) Parse(ctx context.Context, path string) ([]models.TextUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	docs, err := documentloaders.NewText(f).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read text: %w", err)
	}
	for _, doc := range docs {
		if !utf8.ValidString(doc.PageContent) {
			return nil, ErrInvalidEncoding
		}
	}
	return toUnits(docs), nil
}

// MarkdownParser reads the file as text and records the first heading as title.
type MarkdownParser struct{}

func (MarkdownParser) Parse(ctx context.Context, path string) ([]models.TextUnit, error) {
	units, err := TextParser{}.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if title := markdownTitle([]byte(u.Content)); title != "" {
			u.Metadata[models.MetaTitle] = title
		}
	}
	return units, nil
}

func markdownTitle(src []byte) string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(extractText(heading, src))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}

func extractText(node ast.Node, source []byte) string {
	var buf bytes.Buffer
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch c := child.(type) {
		case *ast.Text:
			buf.Write(c.Segment.Value(source))
			if c.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(c.Value)
		default:
			buf.WriteString(extractText(child, source))
		}
	}
	return buf.String()
}

// PDFParser yields one unit per page with page and total_pages metadata.
type PDFParser struct {
	Password string
}

func (p PDFParser) Parse(ctx context.Context, path string) ([]models.TextUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var opts []documentloaders.PDFOptions
	if p.Password != "" {
		opts = append(opts, documentloaders.WithPassword(p.Password))
	}

	docs, err := loadPDF(ctx, documentloaders.NewPDF(f, info.Size(), opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	return toUnits(docs), nil
}

// loadPDF converts panics from the pdf reader on malformed input into errors.
func loadPDF(ctx context.Context, l documentloaders.PDF) (docs []schema.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	return l.Load(ctx)
}

func toUnits(docs []schema.Document) []models.TextUnit {
	units := make([]models.TextUnit, 0, len(docs))
	for _, doc := range docs {
		units = append(units, models.TextUnit{
			Content:  doc.PageContent,
			Metadata: models.Metadata(doc.Metadata).Clone(),
		})
	}
	return units
}
