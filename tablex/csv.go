package tablex

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/hazyhaar/relato/docload"
)

// extractCSV treats the whole file as a single table on page 1. The loader
// already sniffed delimiter and encoding; non-UTF-8 input is decoded as
// latin-1, which is what legacy vendor exports use.
func (e *Extractor) extractCSV(ctx context.Context, doc *docload.SourceDocument) ([]RawTable, []PageIssue, error) {
	rows, err := e.extractPage(ctx, func() ([][]string, error) {
		return readCSVGrid(doc)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, []PageIssue{{DocID: doc.ID, Page: 1, Reason: "csv parse: " + err.Error()}}, nil
	}
	if len(rows) < e.cfg.MinRows {
		return nil, nil, nil
	}

	modal := modalColumns(rows)
	var text bytes.Buffer
	consistent := 0
	for _, r := range rows {
		if len(r) == modal {
			consistent++
		}
		for _, c := range r {
			text.WriteString(c)
			text.WriteByte(' ')
		}
	}

	q := Quality{
		PrintableRatio: printableRatio(text.String()),
		ModalColumns:   modal,
		RowConsistency: float64(consistent) / float64(len(rows)),
	}

	return []RawTable{{
		DocID:      doc.ID,
		Page:       1,
		Region:     Region{FirstLine: 0, LastLine: len(rows) - 1},
		Rows:       rows,
		Confidence: 1.0, // delimiter-separated input is already a grid
		Quality:    q,
	}}, nil, nil
}

func readCSVGrid(doc *docload.SourceDocument) ([][]string, error) {
	var src io.Reader = bytes.NewReader(doc.Data)
	if doc.Encoding == "latin-1" {
		src = transform.NewReader(src, charmap.ISO8859_1.NewDecoder())
	}

	r := csv.NewReader(src)
	if doc.Delimiter != 0 {
		r.Comma = doc.Delimiter
	}
	r.FieldsPerRecord = -1 // jagged rows are the normalizer's problem
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv read: %w", err)
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
