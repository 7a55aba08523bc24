package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/pkg/logger"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func captureLogs(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := logger.NewLogger(&logger.Config{Level: logger.DebugLevel, Output: &buf})
	return logger.ContextWithLogger(context.Background(), l), &buf
}

func TestNewWithConfigCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "documents")

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, l.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = NewWithConfig(LoaderConfig{})
	assert.Error(t, err)
}

func TestLoadEmptyDir(t *testing.T) {
	l, err := NewWithConfig(LoaderConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	units, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestLoadOrderAndMetadata(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"z.txt":     "last text",
		"a.txt":     "first text",
		"guide.md":  "# Setup Guide\n\nInstall things.",
		"data.csv":  "a,b,c",
		"README":    "no extension",
		"upper.TXT": "upper case extension",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.txt"), 0755))

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)

	units, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 4)

	// .md sorts before .pdf and .txt
	assert.Equal(t, "guide.md", units[0].Metadata[models.MetaSourceFile])
	assert.Equal(t, "md", units[0].Metadata[models.MetaDocType])
	assert.Equal(t, "Setup Guide", units[0].Metadata[models.MetaTitle])

	assert.Equal(t, "a.txt", units[1].Metadata[models.MetaSourceFile])
	assert.Equal(t, "first text", units[1].Content)
	assert.Equal(t, "txt", units[1].Metadata[models.MetaDocType])
	assert.Equal(t, "upper.TXT", units[2].Metadata[models.MetaSourceFile])
	assert.Equal(t, "z.txt", units[3].Metadata[models.MetaSourceFile])
}

// buildPDF writes a minimal PDF with one Helvetica text line per page.
func buildPDF(pages ...string) []byte {
	var objects []string
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range pages {
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
				"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestLoadPDFPages(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"doc.pdf": string(buildPDF("Hello page one", "Hello page two")),
	})

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)

	units, err := l.Load(context.Background(), ".pdf")
	require.NoError(t, err)
	require.Len(t, units, 2)

	for i, u := range units {
		assert.Equal(t, fmt.Sprintf("Hello page %s", []string{"one", "two"}[i]), strings.TrimSpace(u.Content))
		assert.Equal(t, i+1, u.Metadata[models.MetaPage])
		assert.Equal(t, 2, u.Metadata[models.MetaTotalPages])
		assert.Equal(t, "doc.pdf", u.Metadata[models.MetaSourceFile])
		assert.Equal(t, "pdf", u.Metadata[models.MetaDocType])
	}
}

func TestLoadSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"bad.txt":  string([]byte{0xff, 0xfe, 0xfd, 'x'}),
		"good.txt": "valid content",
		"bad.pdf":  "this is not a pdf",
	})

	var failed []string
	l, err := NewWithConfig(LoaderConfig{
		Dir: dir,
		OnFile: func(path string, units int, err error) {
			if err != nil {
				failed = append(failed, filepath.Base(path))
			}
		},
	})
	require.NoError(t, err)

	ctx, logs := captureLogs(t)
	units, err := l.Load(ctx)
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, "good.txt", units[0].Metadata[models.MetaSourceFile])
	assert.Equal(t, []string{"bad.pdf", "bad.txt"}, failed)
	assert.Contains(t, logs.String(), "Error loading file")
	assert.Contains(t, logs.String(), "bad.txt")
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"report.docx": "binary",
		"notes.txt":   "plain notes",
	})

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)

	ctx, logs := captureLogs(t)
	units, err := l.Load(ctx, "docx", ".TXT")
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, "notes.txt", units[0].Metadata[models.MetaSourceFile])
	assert.Contains(t, logs.String(), "Unsupported file type")
}

func TestLoadHTML(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"page.html": `<html><head><title>API Docs</title><script>var x = 1;</script></head>
<body><nav>Menu</nav><main><h1>Endpoints</h1><p>GET   /items
returns items.</p></main><footer>Privacy Policy</footer></body></html>`,
	})

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)

	units, err := l.Load(context.Background(), ".html")
	require.NoError(t, err)
	require.Len(t, units, 1)

	assert.Equal(t, "EndpointsGET /items returns items.", units[0].Content)
	assert.Equal(t, "API Docs", units[0].Metadata[models.MetaTitle])
	assert.Equal(t, "html", units[0].Metadata[models.MetaDocType])
}

func TestLoadCustomParser(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x.log": "line one\nline two"})

	l, err := NewWithConfig(LoaderConfig{
		Dir: dir,
		Parsers: map[string]Parser{
			".log": ParserFunc(func(ctx context.Context, path string) ([]models.TextUnit, error) {
				return []models.TextUnit{
					{Content: "line one", Metadata: models.Metadata{"line": 1}},
					{Content: "line two", Metadata: models.Metadata{"line": 2}},
				}, nil
			}),
		},
	})
	require.NoError(t, err)

	units, err := l.Load(context.Background(), ".log")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, 2, units[1].Metadata["line"])
	assert.Equal(t, "x.log", units[1].Metadata[models.MetaSourceFile])
	assert.Equal(t, "log", units[1].Metadata[models.MetaDocType])
}

func TestLoadCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "text"})

	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadMissingDir(t *testing.T) {
	dir := t.TempDir()
	l, err := NewWithConfig(LoaderConfig{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, os.Remove(dir))

	_, err = l.Load(context.Background())
	assert.Error(t, err)
}

func TestMarkdownTitle(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"atx heading", "# Hello World\n\nbody", "Hello World"},
		{"first of many", "intro\n\n## Second Level\n\n# Later", "Second Level"},
		{"inline markup", "# The *quick* `fox`\n", "The quick fox"},
		{"setext heading", "Title Here\n==========\n\ntext", "Title Here"},
		{"no heading", "just a paragraph", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownTitle([]byte(tt.src)))
		})
	}
}

func TestNormalizeExtensions(t *testing.T) {
	assert.Equal(t,
		[]string{".md", ".pdf", ".txt"},
		normalizeExtensions([]string{"txt", ".PDF", " .md ", ".txt", ""}),
	)
}
