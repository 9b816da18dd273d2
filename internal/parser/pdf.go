package parser

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

func parsePDF(data []byte) (pages []models.Page, err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = ragerr.ErrCorruptFile.WithReason("pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, ragerr.ErrCorruptFile.WithCause(fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, models.Page{Number: i, Text: pageText})
	}
	return pages, nil
}
