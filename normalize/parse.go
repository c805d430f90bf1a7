package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/relato/schema"
)

// ParseCell parses one raw cell per its column's declared type and the
// schema's locale. An empty cell is an explicit null, not an error.
func ParseCell(raw string, col schema.Column, loc schema.Locale) (Value, error) {
	text := strings.TrimSpace(raw)
	if col.Clean == schema.CleanDigits {
		text = digitsOnly(text)
	}
	if text == "" {
		return NullValue(col.Type), nil
	}

	switch col.Type {
	case schema.TypeText:
		return Value{Type: schema.TypeText, Text: text}, nil

	case schema.TypeInteger:
		n, err := parseInteger(text, loc)
		if err != nil {
			return NullValue(col.Type), err
		}
		return Value{Type: schema.TypeInteger, Int: n}, nil

	case schema.TypeDecimal:
		f, err := parseDecimal(text, loc)
		if err != nil {
			return NullValue(col.Type), err
		}
		return Value{Type: schema.TypeDecimal, Float: f}, nil

	case schema.TypeDate:
		d, err := parseDate(text, loc)
		if err != nil {
			return NullValue(col.Type), err
		}
		return Value{Type: schema.TypeDate, Date: d}, nil
	}
	return NullValue(col.Type), fmt.Errorf("unknown column type %q", col.Type)
}

func digitsOnly(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// parseInteger accepts thousands separators and surrounding spaces:
// "1.234" parses as 1234 under pt-BR.
func parseInteger(text string, loc schema.Locale) (int64, error) {
	clean := strings.ReplaceAll(text, " ", "")
	if loc.ThousandsSep != 0 {
		clean = strings.ReplaceAll(clean, string(loc.ThousandsSep), "")
	}
	n, err := strconv.ParseInt(clean, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", text)
	}
	return n, nil
}

// parseDecimal applies the locale's separators: under pt-BR "1.234,56"
// becomes 1234.56.
func parseDecimal(text string, loc schema.Locale) (float64, error) {
	clean := strings.ReplaceAll(text, " ", "")
	// Currency prefixes ("R$ 1.234,56") survive cleaning of spaces only;
	// strip a leading currency marker if present.
	clean = strings.TrimPrefix(clean, "R$")
	if loc.ThousandsSep != 0 {
		clean = strings.ReplaceAll(clean, string(loc.ThousandsSep), "")
	}
	if loc.DecimalSep != 0 && loc.DecimalSep != '.' {
		clean = strings.ReplaceAll(clean, string(loc.DecimalSep), ".")
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("not a decimal: %q", text)
	}
	return f, nil
}

// parseDate accepts the locale's component order over /, - and . separators,
// plus ISO 8601 dates regardless of locale. Two-digit years are pivoted into
// 2000–2099. The result is a date at midnight UTC.
func parseDate(text string, loc schema.Locale) (time.Time, error) {
	// ISO form first: unambiguous.
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return t, nil
	}

	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '/' || r == '-' || r == '.'
	})
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("not a date: %q", text)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, fmt.Errorf("not a date: %q", text)
		}
		nums[i] = n
	}

	var day, month, year int
	switch loc.DateOrder {
	case schema.MonthDayYear:
		month, day, year = nums[0], nums[1], nums[2]
	case schema.YearMonthDay:
		year, month, day = nums[0], nums[1], nums[2]
	default: // DayMonthYear
		day, month, year = nums[0], nums[1], nums[2]
	}
	if year < 100 {
		year += 2000
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("date out of range: %q", text)
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject rollovers like 31/02.
	if d.Day() != day || d.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("date out of range: %q", text)
	}
	return d, nil
}
