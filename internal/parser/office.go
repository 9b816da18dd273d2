package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// parsePPTX returns one page per slide, numbered as in the presentation.
func parsePPTX(data []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, file: f})
	}
	if len(slides) == 0 {
		return nil, ragerr.ErrCorruptFile.WithReason("no slides found")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	pages := make([]models.Page, 0, len(slides))
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return nil, ragerr.ErrCorruptFile.WithCause(err)
		}
		texts, _, err := extractXMLText(rc)
		rc.Close()
		if err != nil {
			return nil, ragerr.ErrCorruptFile.WithCause(fmt.Errorf("slide %d: %w", s.num, err))
		}
		pages = append(pages, models.Page{Number: s.num, Text: strings.Join(texts, "\n")})
	}
	return pages, nil
}

// parseXLSX returns one page per sheet with tab separated cells.
func parseXLSX(data []byte) ([]models.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, ragerr.ErrCorruptFile.WithCause(err)
	}
	defer f.Close()

	var pages []models.Page
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, ragerr.ErrCorruptFile.WithCause(fmt.Errorf("sheet %s: %w", sheetName, err))
		}
		if len(rows) == 0 {
			continue
		}
		var text strings.Builder
		fmt.Fprintf(&text, "Sheet: %s\n", sheetName)
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		pages = append(pages, models.Page{Number: sheetNum + 1, Text: text.String()})
	}
	return pages, nil
}
