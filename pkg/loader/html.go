package loader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/ragpipe/internal/models"
)

// HTMLParser extracts the main content area of a saved web page.
type HTMLParser struct {
	// Selectors are tried in order; the first match wins. Empty means
	// defaultSelectors. The body is the fallback.
	Selectors []string
}

var defaultSelectors = []string{
	"main",
	"article",
	".content",
	"#content",
	".documentation",
	"#documentation",
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func (p HTMLParser) Parse(_ context.Context, path string) ([]models.TextUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	meta := models.Metadata{}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta[models.MetaTitle] = title
	}

	return []models.TextUnit{{
		Content:  p.extractMainContent(doc),
		Metadata: meta,
	}}, nil
}

func (p HTMLParser) extractMainContent(doc *goquery.Document) string {
	selectors := p.Selectors
	if len(selectors) == 0 {
		selectors = defaultSelectors
	}

	doc.Find("script, style, noscript").Remove()

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	if strings.TrimSpace(content) == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}

func cleanContent(content string) string {
	content = strings.Join(strings.Fields(content), " ")

	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	return strings.TrimSpace(content)
}
