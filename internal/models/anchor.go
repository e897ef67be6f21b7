package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// Anchor locates a span of normalized text in the source document.
// Offset is the byte offset in the normalized text where the anchor begins.
type Anchor struct {
	Offset    int    `json:"offset,omitempty"`
	PageStart int    `json:"page_start,omitempty"`
	PageEnd   int    `json:"page_end,omitempty"`
	Section   string `json:"section,omitempty"`
}

// HasPages reports whether the anchor carries a page range.
func (a Anchor) HasPages() bool { return a.PageStart > 0 }

// Label renders the anchor as a human citation such as "page 4" or "pages 4–6".
func (a Anchor) Label() string {
	return PageLabel(a.PageStart, a.PageEnd, a.Section)
}

// PageLabel formats a page range, falling back to the section title.
func PageLabel(start, end int, section string) string {
	switch {
	case start > 0 && end > start:
		return "pages " + strconv.Itoa(start) + "–" + strconv.Itoa(end)
	case start > 0:
		return "page " + strconv.Itoa(start)
	case section != "":
		return section
	default:
		return ""
	}
}

func (a Anchor) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Anchor) Scan(src any) error {
	return scanJSON(src, a)
}

// AnchorTable is the ordered list of anchors produced by conversion.
type AnchorTable []Anchor

func (t AnchorTable) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

func (t *AnchorTable) Scan(src any) error {
	return scanJSON(src, t)
}

// StringList is a jsonb-backed list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// ReferenceList is a jsonb-backed list of references stored with a message.
type ReferenceList []Reference

func (l ReferenceList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *ReferenceList) Scan(src any) error {
	return scanJSON(src, l)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("models: cannot scan %T into %T", src, dst)
	}
}
