package core

import (
	"context"

	"github.com/markdave123-py/contexta/internal/models"
)

// ExtractedText is the normalized Markdown produced from a source file.
type ExtractedText struct {
	Title   string
	Text    string
	Anchors models.AnchorTable
}

// DocumentExtractor converts raw bytes of a given source format to normalized text.
// The format is one of the models.Format* values.
type DocumentExtractor interface {
	Extract(ctx context.Context, raw []byte, format string) (*ExtractedText, error)
}
