package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// splitPages cuts plain text at form feeds, numbering pages from 1.
func splitPages(s string) []models.Page {
	parts := strings.Split(s, models.PageBreak)
	pages := make([]models.Page, 0, len(parts))
	for i, p := range parts {
		pages = append(pages, models.Page{Number: i + 1, Text: p})
	}
	return pages
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", ragerr.ErrCorruptFile.WithReason("text is not valid UTF-8")
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

func parseText(data []byte) ([]models.Page, error) {
	s, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	return splitPages(s), nil
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func parseMarkdown(data []byte) ([]models.Page, error) {
	s, err := decodeText(data)
	if err != nil {
		return nil, err
	}
	pages := splitPages(s)
	for i := range pages {
		pages[i].Text = markdownToText([]byte(pages[i].Text))
	}
	return pages, nil
}

// markdownToText keeps the readable text of a markdown document, one block
// per line, dropping markup such as emphasis markers and link targets.
func markdownToText(src []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				b.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.URL(src))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func parseHTML(data []byte) ([]models.Page, error) {
	if !utf8.Valid(data) {
		return nil, ragerr.ErrCorruptFile.WithReason("html is not valid UTF-8")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}
	doc.Find("script, style, noscript, template").Remove()

	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	return []models.Page{{Number: 1, Text: collapseLines(sel.Text())}}, nil
}

// collapseLines trims every line and drops the blank ones.
func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
