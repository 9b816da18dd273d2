package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

// sectionChars is the pseudo-page size used when a DOCX carries no page
// break information at all.
const sectionChars = 3000

func parseDOCX(data []byte) ([]models.Page, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	texts, breaks, err := extractXMLText(strings.NewReader(content))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}

	if !breaks {
		texts = groupParagraphs(strings.Join(texts, ""), sectionChars)
	}

	pages := make([]models.Page, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		pages = append(pages, models.Page{Number: len(pages) + 1, Text: t, IsSection: true})
	}
	return pages, nil
}

// extractXMLText walks WordprocessingML or DrawingML and returns the text
// split at page breaks, and whether any page break was seen. Paragraphs end
// with a newline. A break that would start an empty page is ignored, since
// Word writes both an explicit and a rendered break for the same boundary.
func extractXMLText(r io.Reader) ([]string, bool, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var (
		pages  []string
		cur    strings.Builder
		inText bool
		breaks bool
		// tab stops under w:tabs and a:tabLst are properties, not content
		inTabs int
	)
	pageBreak := func() {
		if strings.TrimSpace(cur.String()) == "" {
			return
		}
		breaks = true
		pages = append(pages, cur.String())
		cur.Reset()
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tabs", "tabLst":
				inTabs++
			case "tab":
				if inTabs == 0 {
					cur.WriteByte('\t')
				}
			case "br":
				if attr(t, "type") == "page" {
					pageBreak()
				} else {
					cur.WriteByte('\n')
				}
			case "lastRenderedPageBreak":
				pageBreak()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "tabs", "tabLst":
				if inTabs > 0 {
					inTabs--
				}
			case "p":
				cur.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	if cur.Len() > 0 {
		pages = append(pages, cur.String())
	}
	return pages, breaks, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// groupParagraphs packs whole paragraphs into sections of roughly limit
// characters. A single paragraph longer than limit gets its own section.
func groupParagraphs(text string, limit int) []string {
	var (
		sections []string
		cur      strings.Builder
	)
	for _, para := range strings.Split(text, "\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+1 > limit {
			sections = append(sections, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		sections = append(sections, cur.String())
	}
	return sections
}
