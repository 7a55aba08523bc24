package models

import "maps"

// Metadata keys set by the loader on every unit.
const (
	MetaSourceFile = "source_file"
	MetaDocType    = "doc_type"
	MetaPage       = "page"
	MetaTotalPages = "total_pages"
	MetaTitle      = "title"
)

type Metadata map[string]any

// Clone returns a shallow copy; a nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// String returns the value at key if it is a string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// TextUnit is one loaded piece of source text, a whole file or a single PDF page.
type TextUnit struct {
	Content  string
	Metadata Metadata
}

type Chunk struct {
	ID       string
	Index    int
	Content  string
	Metadata Metadata
}

type SearchResult struct {
	Chunk Chunk
	Score float64
}

type IndexHandle struct {
	Name      string
	Host      string
	Dimension int
	Metric    string
	Created   bool
}
