package processor

import (
	"unicode/utf8"

	"github.com/xhad/ragpipe/internal/models"
)

type Stats struct {
	TotalChunks int     `json:"total_chunks"`
	AvgLength   float64 `json:"avg_length"`
	MinLength   int     `json:"min_length"`
	MaxLength   int     `json:"max_length"`
}

// ComputeStats summarizes chunk lengths in code points. An empty input
// yields the zero Stats.
func ComputeStats(chunks []models.Chunk) Stats {
	if len(chunks) == 0 {
		return Stats{}
	}

	stats := Stats{TotalChunks: len(chunks)}
	total := 0
	for i, c := range chunks {
		n := utf8.RuneCountInString(c.Content)
		total += n
		if i == 0 || n < stats.MinLength {
			stats.MinLength = n
		}
		if n > stats.MaxLength {
			stats.MaxLength = n
		}
	}
	stats.AvgLength = float64(total) / float64(len(chunks))
	return stats
}
