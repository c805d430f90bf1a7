// Package schema declares column schemas for extracted tabular data and the
// locale rules used to parse cell values.
//
// A Schema is configuration: loaded once from a YAML file, shared read-only by
// every normalizer invocation. Locale rules are data, not code — separator
// characters and date component order travel with the schema so new locales
// require no code change.
//
// Usage:
//
//	reg, err := schema.LoadDir("schemas")
//	s, ok := reg.Get("vendas")
//	col, score := s.MatchColumn("Valôr")
package schema

import (
	"fmt"
	"strings"
)

// Type is the declared value type of a column.
type Type string

const (
	TypeText    Type = "text"
	TypeInteger Type = "integer"
	TypeDecimal Type = "decimal"
	TypeDate    Type = "date"
)

// CleanRule is an optional pre-parse transform applied to raw cell text.
type CleanRule string

const (
	// CleanNone leaves the cell text untouched apart from space trimming.
	CleanNone CleanRule = ""
	// CleanDigits strips everything but digits before parsing. Used for
	// phone numbers and postal codes delivered with inconsistent punctuation.
	CleanDigits CleanRule = "digits"
)

// DateOrder fixes the component order of a textual date.
type DateOrder string

const (
	DayMonthYear DateOrder = "dmy"
	MonthDayYear DateOrder = "mdy"
	YearMonthDay DateOrder = "ymd"
)

// Locale carries the number and date parsing conventions for a schema.
type Locale struct {
	Tag          string    `yaml:"tag"`
	DecimalSep   rune      `yaml:"-"`
	ThousandsSep rune      `yaml:"-"`
	DateOrder    DateOrder `yaml:"date_order"`

	// YAML carries separators as strings; runes are derived on load.
	DecimalSepStr   string `yaml:"decimal_sep"`
	ThousandsSepStr string `yaml:"thousands_sep"`
}

// PTBR returns Brazilian-Portuguese parsing conventions: comma decimal
// separator, dot thousands separator, day-month-year dates.
func PTBR() Locale {
	return Locale{
		Tag:          "pt-BR",
		DecimalSep:   ',',
		ThousandsSep: '.',
		DateOrder:    DayMonthYear,
	}
}

// EnUS returns US conventions, mostly used by fixtures.
func EnUS() Locale {
	return Locale{
		Tag:          "en-US",
		DecimalSep:   '.',
		ThousandsSep: ',',
		DateOrder:    MonthDayYear,
	}
}

func (l *Locale) normalize() error {
	if l.DecimalSepStr != "" {
		l.DecimalSep = []rune(l.DecimalSepStr)[0]
	}
	if l.ThousandsSepStr != "" {
		l.ThousandsSep = []rune(l.ThousandsSepStr)[0]
	}
	if l.DecimalSep == 0 && l.ThousandsSep == 0 && l.DateOrder == "" {
		*l = PTBR()
		return nil
	}
	if l.DecimalSep == 0 {
		l.DecimalSep = ','
	}
	// A partial locale gets a complementary thousands separator, otherwise
	// grouped amounts like "1.234,56" would fail to parse.
	if l.ThousandsSep == 0 {
		if l.DecimalSep == '.' {
			l.ThousandsSep = ','
		} else {
			l.ThousandsSep = '.'
		}
	}
	if l.DateOrder == "" {
		l.DateOrder = DayMonthYear
	}
	if l.DecimalSep == l.ThousandsSep {
		return fmt.Errorf("locale %q: decimal and thousands separator are both %q", l.Tag, l.DecimalSep)
	}
	switch l.DateOrder {
	case DayMonthYear, MonthDayYear, YearMonthDay:
	default:
		return fmt.Errorf("locale %q: unknown date order %q", l.Tag, l.DateOrder)
	}
	return nil
}

// Column is one declared column of a schema.
type Column struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
	// Required columns are always present on every record; a value that
	// cannot be parsed becomes an explicit null plus a row issue.
	Required bool      `yaml:"required"`
	Clean    CleanRule `yaml:"clean"`
	// Aliases are alternative header spellings seen in the wild.
	Aliases []string `yaml:"aliases"`
}

// Schema is a named ordered set of columns plus the locale its values use.
type Schema struct {
	Name    string   `yaml:"name"`
	Columns []Column `yaml:"columns"`
	Locale  Locale   `yaml:"locale"`
}

// Validate checks structural soundness: non-empty name, at least one column,
// unique column names, known types.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema has no name")
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema %q has no columns", s.Name)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema %q: column with empty name", s.Name)
		}
		key := Fold(c.Name)
		if seen[key] {
			return fmt.Errorf("schema %q: duplicate column %q", s.Name, c.Name)
		}
		seen[key] = true
		switch c.Type {
		case TypeText, TypeInteger, TypeDecimal, TypeDate:
		default:
			return fmt.Errorf("schema %q: column %q has unknown type %q", s.Name, c.Name, c.Type)
		}
		switch c.Clean {
		case CleanNone, CleanDigits:
		default:
			return fmt.Errorf("schema %q: column %q has unknown clean rule %q", s.Name, c.Name, c.Clean)
		}
	}
	return s.Locale.normalize()
}

// Column returns the column with the given name (exact, case/accent folded).
func (s *Schema) Column(name string) (Column, bool) {
	key := Fold(name)
	for _, c := range s.Columns {
		if Fold(c.Name) == key {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Required returns the required columns in declaration order.
func (s *Schema) Required() []Column {
	var req []Column
	for _, c := range s.Columns {
		if c.Required {
			req = append(req, c)
		}
	}
	return req
}

func (s *Schema) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(s.ColumnNames(), ","))
}
