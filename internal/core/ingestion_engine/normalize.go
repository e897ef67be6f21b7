package ingestion_engine

import (
	"strings"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// normalize converts extracted text to the canonical form every chunker run
// sees: LF line endings, trimmed lines, at most one blank line in a row.
func normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\f", "\n", "\u00a0", " ").Replace(s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// textBuilder assembles normalized Markdown and records where each page or
// section starts.
type textBuilder struct {
	b       strings.Builder
	anchors models.AnchorTable
}

func (t *textBuilder) separate() {
	if t.b.Len() > 0 {
		t.b.WriteString("\n\n")
	}
}

func (t *textBuilder) addPage(n int, raw string) {
	body := normalize(raw)
	if body == "" {
		return
	}
	t.separate()
	t.anchors = append(t.anchors, models.Anchor{Offset: t.b.Len(), PageStart: n, PageEnd: n})
	t.b.WriteString(body)
}

func (t *textBuilder) addSection(title, raw string) {
	body := normalize(raw)
	title = strings.Join(strings.Fields(title), " ")
	if body == "" {
		return
	}
	t.separate()
	if title != "" {
		t.anchors = append(t.anchors, models.Anchor{Offset: t.b.Len(), Section: title})
		t.b.WriteString("## " + title + "\n\n")
	}
	t.b.WriteString(body)
}

func (t *textBuilder) addText(raw string) {
	body := normalize(raw)
	if body == "" {
		return
	}
	t.separate()
	t.b.WriteString(body)
}

func (t *textBuilder) result(title string) *core.ExtractedText {
	return &core.ExtractedText{Title: title, Text: t.b.String(), Anchors: t.anchors}
}

// markdownAnchors returns one section anchor per ATX heading in normalized text.
func markdownAnchors(text string) models.AnchorTable {
	var anchors models.AnchorTable
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		if title, ok := headingTitle(line); ok {
			anchors = append(anchors, models.Anchor{Offset: offset, Section: title})
		}
		offset += len(line)
	}
	return anchors
}

func headingTitle(line string) (string, bool) {
	line = strings.TrimRight(line, "\n")
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return "", false
	}
	title := strings.TrimSpace(strings.TrimRight(line[level:], "# "))
	return title, title != ""
}
