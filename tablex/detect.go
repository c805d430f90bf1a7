package tablex

import (
	"strings"
	"unicode"
)

type region struct {
	table RawTable
}

// detectRegions groups consecutive multi-cell lines into candidate tables.
//
// A line with at least MinColumns cells is tabular; a run of tabular lines of
// at least MinRows becomes a region. Confidence blends row consistency (how
// many rows share the modal column count — aligned whitespace gaps across
// consecutive lines are what distinguishes a table from prose that happens to
// contain double spaces) with the printable ratio of the region's text.
func (e *Extractor) detectRegions(lines [][]string) []region {
	var regions []region
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		rows := lines[start:end]
		if len(rows) >= e.cfg.MinRows {
			regions = append(regions, e.buildRegion(rows, start, end-1))
		}
		start = -1
	}

	for i, cells := range lines {
		if len(cells) >= e.cfg.MinColumns {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(lines))
	return regions
}

func (e *Extractor) buildRegion(rows [][]string, first, last int) region {
	modal := modalColumns(rows)
	consistent := 0
	var text strings.Builder
	grid := make([][]string, len(rows))
	for i, r := range rows {
		grid[i] = append([]string(nil), r...)
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

	return region{table: RawTable{
		Region:     Region{FirstLine: first, LastLine: last},
		Rows:       grid,
		Confidence: 0.7*q.RowConsistency + 0.3*q.PrintableRatio,
		Quality:    q,
	}}
}

func modalColumns(rows [][]string) int {
	counts := make(map[int]int)
	for _, r := range rows {
		counts[len(r)]++
	}
	modal, best := 0, 0
	for n, c := range counts {
		if c > best || (c == best && n > modal) {
			modal, best = n, c
		}
	}
	return modal
}

// printableRatio returns the fraction of printable characters, discounting
// private-use glyphs, replacement characters and stray control bytes that
// broken font encodings leave behind.
func printableRatio(text string) float64 {
	if text == "" {
		return 1
	}
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	return r < 0x20 && r != '\n' && r != '\r' && r != '\t'
}
