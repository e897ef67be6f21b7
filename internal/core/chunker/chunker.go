// Package chunker splits normalized document text into token-bounded,
// overlapping chunks. Chunking is a pure function of its inputs.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

const DefaultMaxTokens = 512

// span is a byte range [start, end) of the source text.
type span struct {
	start, end int
}

// Chunk splits text into chunks of at most maxTokens estimated tokens.
// Each chunk after the first repeats up to overlapTokens of trailing text
// from its predecessor, cut at a unit, sentence or word boundary. The returned chunks carry no IDs.
func Chunk(text string, anchors models.AnchorTable, maxTokens, overlapTokens int) []models.Chunk {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}

	units := splitUnits(text, maxTokens)
	if len(units) == 0 {
		return nil
	}

	cost := func(i, j int) int {
		return tokens.Estimate(text[units[i].start:units[j].end])
	}

	var out []models.Chunk
	pos, start := units[0].start, 0
	for start < len(units) {
		end := start
		for end+1 < len(units) && tokens.Estimate(text[pos:units[end+1].end]) <= maxTokens {
			end++
		}

		s, e := pos, units[end].end
		body := text[s:e]
		out = append(out, models.Chunk{
			Position:    len(out),
			Text:        body,
			TokenCount:  tokens.Estimate(body),
			Anchor:      anchorFor(anchors, s, e),
			ContentHash: Hash(body),
		})

		if end == len(units)-1 {
			break
		}

		// The next chunk starts inside the tail of this one when the tail fits the
		// overlap budget and still leaves room for the following unit.
		next := end + 1
		for k := end; k > start; k-- {
			if cost(k, end) > overlapTokens || cost(k, end+1) > maxTokens {
				break
			}
			next = k
		}
		pos, start = units[next].start, next
		if next == end+1 && overlapTokens > 0 {
			if o, ok := tailStart(text, units[end], units[end+1], overlapTokens, maxTokens); ok {
				pos = o
			}
		}
	}
	return out
}

// tailStart finds where the next chunk begins when no whole unit fits the
// overlap budget: the earliest offset inside u whose tail fits overlapTokens
// and leaves next within maxTokens. Sentence starts win over word starts,
// word starts over bare runes.
func tailStart(text string, u, next span, overlapTokens, maxTokens int) (int, bool) {
	fits := func(o int) bool {
		return tokens.Estimate(text[o:u.end]) <= overlapTokens &&
			tokens.Estimate(text[o:next.end]) <= maxTokens
	}
	for _, candidates := range [][]int{sentenceStarts(text, u), wordStarts(text, u), runeStarts(text, u)} {
		for _, o := range candidates {
			if fits(o) {
				return o, true
			}
		}
	}
	return 0, false
}

func sentenceStarts(text string, u span) []int {
	ss := sentences(text, u)
	out := make([]int, 0, len(ss))
	for _, s := range ss[min(1, len(ss)):] {
		out = append(out, s.start)
	}
	return out
}

func wordStarts(text string, u span) []int {
	var out []int
	prevSpace := false
	for i, r := range text[u.start:u.end] {
		space := unicode.IsSpace(r)
		if prevSpace && !space {
			out = append(out, u.start+i)
		}
		prevSpace = space
	}
	return out
}

func runeStarts(text string, u span) []int {
	var out []int
	for i, r := range text[u.start:u.end] {
		if i > 0 && !unicode.IsSpace(r) {
			out = append(out, u.start+i)
		}
	}
	return out
}

// Hash returns the hex sha256 of a chunk's text.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// splitUnits breaks text into paragraphs, paragraphs over budget into
// sentences, and sentences over budget into fixed rune windows.
func splitUnits(text string, maxTokens int) []span {
	var units []span
	for _, p := range paragraphs(text) {
		if tokens.Estimate(text[p.start:p.end]) <= maxTokens {
			units = append(units, p)
			continue
		}
		for _, s := range sentences(text, p) {
			if tokens.Estimate(text[s.start:s.end]) <= maxTokens {
				units = append(units, s)
				continue
			}
			units = append(units, hardSplit(text, s, tokens.Runes(maxTokens))...)
		}
	}
	return units
}

// paragraphs returns trimmed spans separated by one or more blank lines.
func paragraphs(text string) []span {
	var out []span
	pos := 0
	for pos < len(text) {
		idx := strings.Index(text[pos:], "\n\n")
		end := len(text)
		if idx >= 0 {
			end = pos + idx
		}
		if sp, ok := trim(text, span{pos, end}); ok {
			out = append(out, sp)
		}
		if idx < 0 {
			break
		}
		pos = end + 2
	}
	return out
}

// sentences splits a paragraph after terminal punctuation or line breaks.
func sentences(text string, p span) []span {
	var out []span
	begin := p.start
	i := p.start
	for i < p.end {
		r, size := utf8.DecodeRuneInString(text[i:p.end])
		i += size
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		for i < p.end {
			c, n := utf8.DecodeRuneInString(text[i:p.end])
			if !strings.ContainsRune(`"'”’)]`, c) {
				break
			}
			i += n
		}
		if i < p.end {
			c, _ := utf8.DecodeRuneInString(text[i:p.end])
			if !unicode.IsSpace(c) {
				continue
			}
		}
		if sp, ok := trim(text, span{begin, i}); ok {
			out = append(out, sp)
		}
		begin = i
	}
	if sp, ok := trim(text, span{begin, p.end}); ok {
		out = append(out, sp)
	}
	return out
}

// hardSplit cuts a span into windows of at most maxRunes runes.
func hardSplit(text string, s span, maxRunes int) []span {
	if maxRunes <= 0 {
		maxRunes = 1
	}
	var out []span
	begin := s.start
	count := 0
	for i := s.start; i < s.end; {
		_, size := utf8.DecodeRuneInString(text[i:s.end])
		i += size
		count++
		if count == maxRunes {
			if sp, ok := trim(text, span{begin, i}); ok {
				out = append(out, sp)
			}
			begin, count = i, 0
		}
	}
	if sp, ok := trim(text, span{begin, s.end}); ok {
		out = append(out, sp)
	}
	return out
}

func trim(text string, s span) (span, bool) {
	for s.start < s.end {
		r, size := utf8.DecodeRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.start += size
	}
	for s.end > s.start {
		r, size := utf8.DecodeLastRuneInString(text[s.start:s.end])
		if !unicode.IsSpace(r) {
			break
		}
		s.end -= size
	}
	return s, s.end > s.start
}

// anchorFor maps a byte range onto the page range and section it covers.
// Anchor i covers [anchors[i].Offset, anchors[i+1].Offset).
func anchorFor(anchors models.AnchorTable, start, end int) models.Anchor {
	a := models.Anchor{Offset: start}
	firstSection := ""
	for i, an := range anchors {
		next := int(^uint(0) >> 1)
		if i+1 < len(anchors) {
			next = anchors[i+1].Offset
		}
		if an.Section != "" {
			if an.Offset <= start {
				a.Section = an.Section
			} else if an.Offset < end && firstSection == "" {
				firstSection = an.Section
			}
		}
		if an.Offset >= end || next <= start || an.PageStart <= 0 {
			continue
		}
		pageEnd := an.PageEnd
		if pageEnd < an.PageStart {
			pageEnd = an.PageStart
		}
		if a.PageStart == 0 || an.PageStart < a.PageStart {
			a.PageStart = an.PageStart
		}
		if pageEnd > a.PageEnd {
			a.PageEnd = pageEnd
		}
	}
	if a.Section == "" {
		a.Section = firstSection
	}
	return a
}
