package tablex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/relato/docload"
)

// extractPDF walks the document page by page. Each page is parsed under a
// pool slot with the per-page timeout; a failed or timed-out page becomes a
// PageIssue and the loop continues.
func (e *Extractor) extractPDF(ctx context.Context, doc *docload.SourceDocument) ([]RawTable, []PageIssue, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(doc.Data), conf)
	if err != nil {
		return nil, nil, fmt.Errorf("pdfcpu read %s: %w", doc.ID, err)
	}

	var tables []RawTable
	var issues []PageIssue

	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		lines, err := e.extractPage(ctx, func() ([][]string, error) {
			return pdfPageLines(pdfCtx, pageNr)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, issues, ctx.Err()
			}
			reason := "extraction failed: " + err.Error()
			if errors.Is(err, ErrPageTimeout) {
				reason = "extraction timeout"
			}
			e.logger.Warn("page extraction failed", "doc", doc.ID, "page", pageNr, "error", err)
			issues = append(issues, PageIssue{DocID: doc.ID, Page: pageNr, Reason: reason})
			continue
		}

		for _, reg := range e.detectRegions(lines) {
			reg.table.DocID = doc.ID
			reg.table.Page = pageNr
			tables = append(tables, reg.table)
		}
	}

	return tables, issues, nil
}

// pdfPageLines extracts the text of one page as lines of cells.
//
// The content stream is interpreted with a fixed convention: Tj/TJ append
// text to the current cell, large negative kerning inside a TJ array and Td
// repositioning open a new cell, TD, T*, ' and ET open a new line. Lines are
// additionally split on tabs and runs of two or more spaces, which recovers
// whitespace-delimited columns from generators that emit plain spacing.
func pdfPageLines(pdfCtx *model.Context, pageNr int) ([][]string, error) {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil {
		return nil, fmt.Errorf("page %d content: %w", pageNr, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("page %d read: %w", pageNr, err)
	}
	return parseContentLines(data), nil
}

// cellGapKern is the TJ kerning magnitude treated as a column gap rather
// than letter spacing. Thousandths of an em; table generators typically jump
// several hundred units between cells.
const cellGapKern = 180

// pdfStringRe matches PDF string literals, tolerating escaped parentheses.
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^)\\])*)\)`)

func parseContentLines(data []byte) [][]string {
	var lines [][]string
	var line strings.Builder

	flushLine := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, splitCells(s))
		}
		line.Reset()
	}

	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(raw, []byte("Tj")):
			for _, m := range pdfStringRe.FindAllSubmatch(raw, -1) {
				line.WriteString(decodePDFString(m[1]))
			}

		case bytes.HasSuffix(raw, []byte("TJ")):
			writeTJ(&line, raw)

		case bytes.HasSuffix(raw, []byte("'")) && bytes.Contains(raw, []byte("(")):
			flushLine()
			for _, m := range pdfStringRe.FindAllSubmatch(raw, -1) {
				line.WriteString(decodePDFString(m[1]))
			}

		case bytes.HasSuffix(raw, []byte("Td")):
			if line.Len() > 0 {
				line.WriteByte('\t')
			}

		case bytes.HasSuffix(raw, []byte("TD")),
			bytes.Equal(raw, []byte("T*")),
			bytes.Equal(raw, []byte("ET")):
			flushLine()
		}
	}
	flushLine()
	return lines
}

// writeTJ renders a TJ array: string elements append text, numeric kerning
// at or beyond cellGapKern (negative) opens a new cell.
func writeTJ(line *strings.Builder, raw []byte) {
	inner := raw
	if i := bytes.IndexByte(inner, '['); i >= 0 {
		inner = inner[i+1:]
	}
	if i := bytes.LastIndexByte(inner, ']'); i >= 0 {
		inner = inner[:i]
	}

	for len(inner) > 0 {
		inner = bytes.TrimLeft(inner, " \t")
		if len(inner) == 0 {
			break
		}
		if inner[0] == '(' {
			end := literalEnd(inner)
			line.WriteString(decodePDFString(inner[1:end]))
			inner = inner[end+1:]
			continue
		}
		// Numeric kern element.
		j := 0
		for j < len(inner) && inner[j] != ' ' && inner[j] != '(' {
			j++
		}
		if v, err := strconv.ParseFloat(string(inner[:j]), 64); err == nil && v <= -cellGapKern {
			if line.Len() > 0 {
				line.WriteByte('\t')
			}
		}
		inner = inner[j:]
	}
}

// literalEnd returns the index of the closing parenthesis of a PDF string
// literal starting at inner[0] == '(', honouring backslash escapes.
func literalEnd(inner []byte) int {
	for i := 1; i < len(inner); i++ {
		switch inner[i] {
		case '\\':
			i++
		case ')':
			return i
		}
	}
	return len(inner) - 1
}

// decodePDFString handles the basic PDF escape sequences, including octal.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// splitCells breaks a rendered line into cells on tabs and runs of two or
// more spaces. Single spaces stay inside a cell.
func splitCells(line string) []string {
	var cells []string
	var cell strings.Builder
	spaceRun := 0

	flush := func() {
		if s := strings.TrimSpace(cell.String()); s != "" {
			cells = append(cells, s)
		}
		cell.Reset()
	}

	for _, r := range line {
		switch {
		case r == '\t':
			flush()
			spaceRun = 0
		case r == ' ':
			spaceRun++
			cell.WriteRune(r)
		default:
			if spaceRun >= 2 {
				// Retroactive split: the pending cell ends before the run.
				s := cell.String()
				cell.Reset()
				cell.WriteString(strings.TrimRight(s, " "))
				flush()
			}
			spaceRun = 0
			cell.WriteRune(r)
		}
	}
	flush()
	return cells
}
