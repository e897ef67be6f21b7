package ingestion_engine

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/markdave123-py/contexta/internal/core"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Titles   []string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// extractEPUB walks the spine in reading order; each chapter becomes one
// section.
func extractEPUB(raw []byte) (*core.ExtractedText, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := readXML(files, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return nil, fmt.Errorf("epub container lists no package document")
	}
	opfPath := container.Rootfiles[0].FullPath

	var pkg epubPackage
	if err := readXML(files, opfPath, &pkg); err != nil {
		return nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefs[item.ID] = path.Join(path.Dir(opfPath), item.Href)
	}

	var b textBuilder
	for i, ref := range pkg.Spine {
		name, ok := hrefs[ref.IDRef]
		if !ok {
			continue
		}
		content, err := readZipFile(files, name)
		if err != nil {
			return nil, err
		}
		article, err := readability.FromReader(bytes.NewReader(content), nil)
		if err != nil {
			return nil, fmt.Errorf("parse chapter %s: %w", name, err)
		}
		title := strings.TrimSpace(article.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		b.addSection(title, article.TextContent)
	}

	title := ""
	if len(pkg.Titles) > 0 {
		title = strings.TrimSpace(pkg.Titles[0])
	}
	return b.result(title), nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("epub entry %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readXML(files map[string]*zip.File, name string, v any) error {
	data, err := readZipFile(files, name)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}
