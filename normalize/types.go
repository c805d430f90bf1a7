package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hazyhaar/relato/schema"
)

// Value is one typed cell value. Missing or unparseable values are explicit
// nulls — a Record never has an absent key for a schema column.
type Value struct {
	Type  schema.Type `json:"type"`
	Null  bool        `json:"null,omitempty"`
	Text  string      `json:"text,omitempty"`
	Int   int64       `json:"int,omitempty"`
	Float float64     `json:"float,omitempty"`
	Date  time.Time   `json:"date,omitzero"`
}

// NullValue returns an explicit null of the given type.
func NullValue(t schema.Type) Value { return Value{Type: t, Null: true} }

// String renders the value for reports and canonical keys.
func (v Value) String() string {
	if v.Null {
		return ""
	}
	switch v.Type {
	case schema.TypeInteger:
		return strconv.FormatInt(v.Int, 10)
	case schema.TypeDecimal:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case schema.TypeDate:
		return v.Date.Format("2006-01-02")
	default:
		return v.Text
	}
}

// Num returns the value as a float64 for reductions, and whether it is
// numeric and non-null.
func (v Value) Num() (float64, bool) {
	if v.Null {
		return 0, false
	}
	switch v.Type {
	case schema.TypeInteger:
		return float64(v.Int), true
	case schema.TypeDecimal:
		return v.Float, true
	}
	return 0, false
}

// Provenance traces a record back to its origin.
type Provenance struct {
	DocID string `json:"doc_id"`
	Page  int    `json:"page"`
	Row   int    `json:"row"` // row index within the table, header excluded
}

func (p Provenance) String() string {
	return fmt.Sprintf("%s/p%d/r%d", p.DocID, p.Page, p.Row)
}

// Record is a single schema-conformant row with provenance. Rows that failed
// to parse a required column are still emitted, with the field null and an
// issue tag, so downstream reports can surface data-quality gaps instead of
// silently shrinking.
type Record struct {
	Schema     string           `json:"schema"`
	Fields     map[string]Value `json:"fields"`
	Provenance Provenance       `json:"provenance"`
	Issues     []string         `json:"issues,omitempty"`
}

// Get returns the value for a column; explicit null if the column is unknown.
func (r *Record) Get(col string) Value {
	if v, ok := r.Fields[col]; ok {
		return v
	}
	return Value{Null: true}
}
