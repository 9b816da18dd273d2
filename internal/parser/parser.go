package parser

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
	FormatTXT  = "txt"
	FormatMD   = "md"
	FormatHTML = "html"
	FormatPPTX = "pptx"
	FormatXLSX = "xlsx"
)

var extensions = map[string]string{
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".txt":      FormatTXT,
	".md":       FormatMD,
	".markdown": FormatMD,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".pptx":     FormatPPTX,
	".xlsx":     FormatXLSX,
}

// Converter renders a DOCX file to PDF so that page numbers match the
// rendered document.
type Converter interface {
	Convert(ctx context.Context, name string, data []byte) ([]byte, error)
}

// Loader extracts ordered page text from uploaded files.
type Loader struct {
	converter Converter
}

// NewLoader returns a loader. conv may be nil, in which case DOCX files are
// always parsed directly.
func NewLoader(conv Converter) *Loader {
	return &Loader{converter: conv}
}

// Format returns the document format for a file name, judged by extension.
func Format(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	f, ok := extensions[ext]
	if !ok {
		if ext == "" {
			ext = "(none)"
		}
		return "", ragerr.ErrUnsupportedFormat.WithReason("%s, supported: %s", ext, strings.Join(SupportedExtensions(), ", "))
	}
	return f, nil
}

func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Load returns the non-empty pages of the file in page order. Pages keep
// their number in the source document even when blank pages around them
// are dropped.
func (l *Loader) Load(ctx context.Context, name string, data []byte) ([]models.Page, error) {
	format, err := Format(name)
	if err != nil {
		return nil, err
	}

	var pages []models.Page
	switch format {
	case FormatPDF:
		pages, err = parsePDF(data)
	case FormatDOCX:
		pages, err = l.loadDOCX(ctx, name, data)
	case FormatTXT:
		pages, err = parseText(data)
	case FormatMD:
		pages, err = parseMarkdown(data)
	case FormatHTML:
		pages, err = parseHTML(data)
	case FormatPPTX:
		pages, err = parsePPTX(data)
	case FormatXLSX:
		pages, err = parseXLSX(data)
	}
	if err != nil {
		return nil, err
	}

	pages = cleanPages(pages)
	if len(pages) == 0 {
		return nil, ragerr.ErrEmptyDocument.WithReason("%s", name)
	}
	log.Debug().Str("document", name).Str("format", format).Int("pages", len(pages)).Msg("Loaded document")
	return pages, nil
}

// loadDOCX prefers the converted PDF, and falls back to reading the DOCX
// itself when conversion is unavailable or fails.
func (l *Loader) loadDOCX(ctx context.Context, name string, data []byte) ([]models.Page, error) {
	if l.converter != nil {
		pdfData, err := l.converter.Convert(ctx, name, data)
		if err == nil {
			pages, perr := parsePDF(pdfData)
			if perr == nil {
				if pages = cleanPages(pages); len(pages) > 0 {
					return pages, nil
				}
				perr = ragerr.ErrEmptyDocument.WithReason("converted PDF has no text")
			}
			err = perr
		}
		log.Warn().Err(err).Str("document", name).Msg("DOCX conversion failed, page numbers will be estimated")
	}
	return parseDOCX(data)
}

func cleanPages(pages []models.Page) []models.Page {
	out := pages[:0]
	for _, p := range pages {
		p.Text = strings.TrimSpace(strings.ToValidUTF8(p.Text, ""))
		if p.Text == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
