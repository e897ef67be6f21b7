package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// Extractor implements core.DocumentExtractor for every supported format.
type Extractor struct {
	log *slog.Logger
}

var _ core.DocumentExtractor = (*Extractor)(nil)

func NewExtractor() *Extractor {
	return &Extractor{log: slog.With("component", "extractor")}
}

// DetectFormat picks the source format from the file extension, then the
// content type.
func DetectFormat(fileName, contentType string) (string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return models.FormatPDF, nil
	case ".epub":
		return models.FormatEPUB, nil
	case ".txt", ".text":
		return models.FormatTXT, nil
	case ".md", ".markdown":
		return models.FormatMD, nil
	case ".docx":
		return models.FormatDOCX, nil
	case ".html", ".htm", ".xhtml":
		return models.FormatHTML, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/pdf":
		return models.FormatPDF, nil
	case "application/epub+zip":
		return models.FormatEPUB, nil
	case "text/plain":
		return models.FormatTXT, nil
	case "text/markdown":
		return models.FormatMD, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return models.FormatDOCX, nil
	case "text/html", "application/xhtml+xml":
		return models.FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", core.ErrUnsupportedFormat, fileName, contentType)
}

func (e *Extractor) Extract(ctx context.Context, raw []byte, format string) (*core.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty file: %w", core.ErrInvalidInput)
	}

	var (
		out *core.ExtractedText
		err error
	)
	switch format {
	case models.FormatPDF:
		out, err = e.extractPDF(raw)
	case models.FormatDOCX:
		out, err = e.extractDOCX(raw)
	case models.FormatEPUB:
		out, err = extractEPUB(raw)
	case models.FormatHTML:
		out, err = extractHTML(raw)
	case models.FormatTXT, models.FormatMD:
		out, err = extractPlain(raw, format)
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("%w: no text extracted from %s", core.ErrInvalidInput, format)
	}
	return out, nil
}

// extractPDF reads text page by page so every page gets an anchor. Files the
// page reader rejects go through docconv, which separates pages with form feeds.
func (e *Extractor) extractPDF(raw []byte) (*core.ExtractedText, error) {
	pages, title, err := readPDFPages(raw)
	if err != nil || !anyText(pages) {
		e.log.Warn("pdf page reader failed, falling back to docconv", "err", err)
		text, meta, derr := docconv.ConvertPDF(bytes.NewReader(raw))
		if derr != nil {
			return nil, fmt.Errorf("read pdf: %w", errors.Join(err, derr))
		}
		pages = strings.Split(text, "\f")
		if title == "" {
			title = meta["Title"]
		}
	}

	var b textBuilder
	for i, p := range pages {
		b.addPage(i+1, p)
	}
	return b.result(strings.TrimSpace(title)), nil
}

func readPDFPages(raw []byte) (pages []string, title string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, "", fmt.Errorf("open pdf: %w", err)
	}
	title = r.Trailer().Key("Info").Key("Title").Text()

	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, title, nil
}

func anyText(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

func (e *Extractor) extractDOCX(raw []byte) (*core.ExtractedText, error) {
	text, meta, err := docconv.ConvertDocx(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	var b textBuilder
	b.addText(text)
	return b.result(meta["Title"]), nil
}

func extractHTML(raw []byte) (*core.ExtractedText, error) {
	article, err := readability.FromReader(bytes.NewReader(raw), nil)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var b textBuilder
	b.addSection(article.Title, article.TextContent)
	return b.result(article.Title), nil
}

func extractPlain(raw []byte, format string) (*core.ExtractedText, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: text is not valid UTF-8", core.ErrUnsupportedFormat)
	}
	text := normalize(string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))))
	out := &core.ExtractedText{Text: text}
	if format == models.FormatMD {
		out.Anchors = markdownAnchors(text)
		if len(out.Anchors) > 0 && out.Anchors[0].Offset == 0 {
			out.Title = out.Anchors[0].Section
		}
	}
	return out, nil
}
