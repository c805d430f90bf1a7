// Package normalize maps raw cell grids onto typed, schema-conformant
// records.
//
// Header detection is fuzzy: the row whose cells best match the schema's
// column names (accent- and case-insensitive) becomes the header, so
// "RAZÃO SOCIAL" lines up with a column declared as "Razao Social". Data
// rows are then mapped positionally. Cells parse per their column's declared
// type and the schema's locale; failures become explicit nulls with issue
// tags rather than dropped rows.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/relato/schema"
	"github.com/hazyhaar/relato/tablex"
)

// ErrSchemaMismatch is returned when no candidate header row matches any
// schema column at all. Fatal to the document's tables, not to the run.
var ErrSchemaMismatch = errors.New("schema mismatch")

// headerScanRows bounds how many leading rows are considered as header
// candidates. Real exports put the header in the first few rows; scanning
// further only invites false positives from data that quotes column names.
const headerScanRows = 5

// Config configures a Normalizer.
type Config struct {
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Normalizer converts raw tables into records for one schema.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	cfg.defaults()
	return &Normalizer{logger: cfg.Logger}
}

// Normalize maps every table onto s. Re-running on identical input yields
// identical records.
func (n *Normalizer) Normalize(tables []tablex.RawTable, s *schema.Schema) ([]Record, error) {
	var records []Record
	matchedAny := false

	for _, t := range tables {
		recs, ok := n.normalizeTable(t, s)
		if ok {
			matchedAny = true
		}
		records = append(records, recs...)
	}

	if !matchedAny {
		return nil, fmt.Errorf("schema %q: no header row matches any column: %w", s.Name, ErrSchemaMismatch)
	}
	return records, nil
}

// columnMap maps a cell position to a schema column.
type columnMap map[int]schema.Column

// normalizeTable returns the records of one table and whether a header was
// found. Tables without any header match contribute nothing; the caller
// decides whether the whole document mismatched.
func (n *Normalizer) normalizeTable(t tablex.RawTable, s *schema.Schema) ([]Record, bool) {
	headerIdx, mapping := detectHeader(t.Rows, s)
	if headerIdx < 0 {
		n.logger.Warn("table without matching header skipped",
			"doc", t.DocID, "page", t.Page, "schema", s.Name)
		return nil, false
	}

	var records []Record
	for i := headerIdx + 1; i < len(t.Rows); i++ {
		rec := n.buildRecord(t, s, mapping, i, i-headerIdx-1)
		records = append(records, rec)
	}
	return records, true
}

// detectHeader scans the leading rows for the one whose cells best match the
// schema columns. Returns -1 when nothing matches.
func detectHeader(rows [][]string, s *schema.Schema) (int, columnMap) {
	limit := len(rows)
	if limit > headerScanRows {
		limit = headerScanRows
	}

	bestIdx := -1
	bestHits := 0
	var bestMap columnMap

	for i := 0; i < limit; i++ {
		m := make(columnMap)
		claimed := make(map[string]bool)
		hits := 0
		for pos, cell := range rows[i] {
			col, score := s.MatchColumn(cell)
			if score < schema.MatchThreshold || claimed[col.Name] {
				continue
			}
			claimed[col.Name] = true
			m[pos] = col
			hits++
		}
		if hits > bestHits {
			bestHits = hits
			bestIdx = i
			bestMap = m
		}
	}

	if bestHits == 0 {
		return -1, nil
	}
	return bestIdx, bestMap
}

func (n *Normalizer) buildRecord(t tablex.RawTable, s *schema.Schema, mapping columnMap, rowIdx, dataRow int) Record {
	rec := Record{
		Schema: s.Name,
		Fields: make(map[string]Value, len(s.Columns)),
		Provenance: Provenance{
			DocID: t.DocID,
			Page:  t.Page,
			Row:   dataRow,
		},
	}

	// Every schema column exists on the record; start from explicit nulls.
	for _, c := range s.Columns {
		rec.Fields[c.Name] = NullValue(c.Type)
	}

	row := t.Rows[rowIdx]
	for pos, col := range mapping {
		if pos >= len(row) {
			// Jagged row: the cell under this header position is missing.
			continue
		}
		v, err := ParseCell(row[pos], col, s.Locale)
		if err != nil {
			rec.Issues = append(rec.Issues, fmt.Sprintf("%s: %v", col.Name, err))
			continue
		}
		rec.Fields[col.Name] = v
	}

	for _, c := range s.Required() {
		if rec.Fields[c.Name].Null {
			rec.Issues = append(rec.Issues, fmt.Sprintf("%s: required value missing", c.Name))
		}
	}

	dedupeIssues(&rec)
	return rec
}

// dedupeIssues collapses duplicate tags (a required cell that also failed to
// parse would otherwise be reported twice).
func dedupeIssues(rec *Record) {
	if len(rec.Issues) < 2 {
		return
	}
	seen := make(map[string]bool, len(rec.Issues))
	out := rec.Issues[:0]
	for _, s := range rec.Issues {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	rec.Issues = out
}
