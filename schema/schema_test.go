package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Razão Social", "razaosocial"},
		{"razao social", "razaosocial"},
		{"VALOR", "valor"},
		{"Valôr", "valor"},
		{"data_nascimento", "datanascimento"},
		{"  Telefone 1  ", "telefone1"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Schema {
		return &Schema{
			Name: "vendas",
			Columns: []Column{
				{Name: "regiao", Type: TypeText, Required: true},
				{Name: "valor", Type: TypeDecimal},
			},
			Locale: PTBR(),
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Schema)
	}{
		{"empty name", func(s *Schema) { s.Name = "" }},
		{"no columns", func(s *Schema) { s.Columns = nil }},
		{"empty column name", func(s *Schema) { s.Columns[0].Name = "" }},
		{"duplicate column", func(s *Schema) { s.Columns[1].Name = "Regiao" }},
		{"unknown type", func(s *Schema) { s.Columns[0].Type = "money" }},
		{"unknown clean rule", func(s *Schema) { s.Columns[0].Clean = "letters" }},
		{"same separators", func(s *Schema) { s.Locale.ThousandsSep = ',' }},
		{"bad date order", func(s *Schema) { s.Locale.DateOrder = "ydm" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLocaleDefaults(t *testing.T) {
	// A schema with an empty locale gets pt-BR conventions.
	s := &Schema{
		Name:    "x",
		Columns: []Column{{Name: "a", Type: TypeText}},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Locale.DecimalSep != ',' || s.Locale.ThousandsSep != '.' {
		t.Errorf("default locale = %q/%q, want ,/.", s.Locale.DecimalSep, s.Locale.ThousandsSep)
	}
	if s.Locale.DateOrder != DayMonthYear {
		t.Errorf("default date order = %q, want dmy", s.Locale.DateOrder)
	}
}

func TestLocalePartialDefaults(t *testing.T) {
	// Declaring only part of a locale fills in the rest; the thousands
	// separator always complements the decimal one so grouped amounts like
	// "1.234,56" keep parsing.
	s := &Schema{
		Name:    "x",
		Columns: []Column{{Name: "a", Type: TypeText}},
		Locale:  Locale{DateOrder: YearMonthDay},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Locale.DecimalSep != ',' || s.Locale.ThousandsSep != '.' {
		t.Errorf("separators = %q/%q, want ,/.", s.Locale.DecimalSep, s.Locale.ThousandsSep)
	}
	if s.Locale.DateOrder != YearMonthDay {
		t.Errorf("date order = %q, declared value lost", s.Locale.DateOrder)
	}

	s = &Schema{
		Name:    "y",
		Columns: []Column{{Name: "a", Type: TypeText}},
		Locale:  Locale{DecimalSepStr: "."},
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Locale.ThousandsSep != ',' {
		t.Errorf("thousands sep = %q, want , to complement a dot decimal", s.Locale.ThousandsSep)
	}
}

func TestMatchColumn(t *testing.T) {
	s := &Schema{
		Name: "contatos",
		Columns: []Column{
			{Name: "nome", Type: TypeText},
			{Name: "telefone", Type: TypeText, Aliases: []string{"celular", "fone"}},
			{Name: "valor", Type: TypeDecimal},
		},
		Locale: PTBR(),
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		header string
		want   string
		hit    bool
	}{
		{"nome", "nome", true},
		{"NOME", "nome", true},
		{"Telefone", "telefone", true},
		{"CELULAR", "telefone", true},
		{"SOCIO1Celular1", "telefone", true},
		{"Valôr", "valor", true},
		{"observacao", "", false},
	}
	for _, tt := range tests {
		col, score := s.MatchColumn(tt.header)
		hit := score >= MatchThreshold
		if hit != tt.hit {
			t.Errorf("MatchColumn(%q): score %.2f, hit = %v, want %v", tt.header, score, hit, tt.hit)
			continue
		}
		if hit && col.Name != tt.want {
			t.Errorf("MatchColumn(%q) = %q, want %q", tt.header, col.Name, tt.want)
		}
	}
}

const vendasYAML = `name: vendas
locale:
  tag: pt-BR
  decimal_sep: ","
  thousands_sep: "."
  date_order: dmy
columns:
  - name: regiao
    type: text
    required: true
    aliases: [região]
  - name: valor
    type: decimal
    required: true
  - name: data
    type: date
`

const contatosYAML = `columns:
  - name: nome
    type: text
    required: true
  - name: telefone
    type: text
    clean: digits
`

func writeSchemaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"vendas.yaml":   vendasYAML,
		"contatos.yaml": contatosYAML,
		"notes.txt":     "not a schema",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadDir(t *testing.T) {
	reg, err := LoadDir(writeSchemaDir(t))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "contatos" || names[1] != "vendas" {
		t.Fatalf("Names() = %v, want [contatos vendas]", names)
	}

	// Name defaults to the filename when the YAML carries none.
	s, ok := reg.Get("contatos")
	if !ok {
		t.Fatal("contatos schema not found")
	}
	if s.Columns[1].Clean != CleanDigits {
		t.Errorf("telefone clean rule = %q, want digits", s.Columns[1].Clean)
	}

	if _, err := LoadDir(t.TempDir()); err == nil {
		t.Error("LoadDir on empty dir: expected error")
	}
}

func TestDetect(t *testing.T) {
	reg, err := LoadDir(writeSchemaDir(t))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	tests := []struct {
		name   string
		header []string
		want   string
	}{
		{"vendas exact", []string{"Regiao", "Valor", "Data"}, "vendas"},
		{"vendas accented", []string{"REGIÃO", "VALOR", "DATA"}, "vendas"},
		{"contatos", []string{"Nome", "Telefone"}, "contatos"},
		{"no match", []string{"alpha", "beta", "gamma"}, ""},
		{"empty header", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, score := reg.Detect(tt.header)
			if tt.want == "" {
				if s != nil {
					t.Fatalf("Detect(%v) = %q (%.2f), want no match", tt.header, s.Name, score)
				}
				return
			}
			if s == nil {
				t.Fatalf("Detect(%v) found nothing (score %.2f)", tt.header, score)
			}
			if s.Name != tt.want {
				t.Errorf("Detect(%v) = %q, want %q", tt.header, s.Name, tt.want)
			}
		})
	}
}
