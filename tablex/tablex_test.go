package tablex

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hazyhaar/relato/docload"
)

func loadCSV(t *testing.T, name, body string) *docload.SourceDocument {
	t.Helper()
	doc, err := docload.New(docload.Config{}).LoadBytes(context.Background(), name, []byte(body))
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return doc
}

func TestExtractCSV(t *testing.T) {
	e := New(Config{})
	doc := loadCSV(t, "vendas.csv", "regiao;valor\nSul;10,50\nNorte;20,00\n")

	tables, issues, err := e.Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("issues = %v, want none", issues)
	}
	if len(tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(tables))
	}

	tab := tables[0]
	if tab.Page != 1 || tab.DocID != doc.ID {
		t.Errorf("provenance = %s/p%d, want %s/p1", tab.DocID, tab.Page, doc.ID)
	}
	if tab.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", tab.Confidence)
	}
	want := [][]string{{"regiao", "valor"}, {"Sul", "10,50"}, {"Norte", "20,00"}}
	if !reflect.DeepEqual(tab.Rows, want) {
		t.Errorf("rows = %v, want %v", tab.Rows, want)
	}
	if tab.Quality.ModalColumns != 2 || tab.Quality.RowConsistency != 1.0 {
		t.Errorf("quality = %+v", tab.Quality)
	}
}

func TestExtractCSVLatin1(t *testing.T) {
	// "região" with latin-1 encoded ã (0xE3).
	body := append([]byte("regi"), 0xE3, 'o', ';', 'v', 'a', 'l', 'o', 'r', '\n')
	body = append(body, []byte("Sul;10\nNorte;20\n")...)

	doc, err := docload.New(docload.Config{}).LoadBytes(context.Background(), "legacy.csv", body)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Encoding != "latin-1" {
		t.Fatalf("encoding = %q, want latin-1", doc.Encoding)
	}

	tables, _, err := New(Config{}).Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := tables[0].Rows[0][0]; got != "região" {
		t.Errorf("header cell = %q, want região", got)
	}
}

func TestExtractNoTables(t *testing.T) {
	e := New(Config{})
	// One row is below MinRows; no usable table.
	doc := loadCSV(t, "short.csv", "only;one;row\n")

	_, _, err := e.Extract(context.Background(), doc)
	if !errors.Is(err, ErrNoTablesFound) {
		t.Fatalf("err = %v, want ErrNoTablesFound", err)
	}
}

func TestExtractUnsupportedBackend(t *testing.T) {
	e := New(Config{})
	doc := &docload.SourceDocument{ID: "doc_x", Format: "xlsx"}
	if _, _, err := e.Extract(context.Background(), doc); err == nil {
		t.Fatal("expected error for format without backend")
	}
}

func TestPool(t *testing.T) {
	p := NewPool(2)
	ctx := context.Background()

	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.InUse() != 2 || p.Size() != 2 {
		t.Fatalf("in use %d / size %d, want 2/2", p.InUse(), p.Size())
	}

	// Full pool: Acquire blocks until the deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.Acquire(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on full pool: err = %v, want deadline exceeded", err)
	}

	p.Release()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	p.Release()
	p.Release()

	defer func() {
		if recover() == nil {
			t.Error("Release on empty pool did not panic")
		}
	}()
	p.Release()
}

func TestExtractPageTimeout(t *testing.T) {
	e := New(Config{PageTimeout: 30 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	_, err := e.extractPage(context.Background(), func() ([][]string, error) {
		<-release
		return nil, nil
	})
	if !errors.Is(err, ErrPageTimeout) {
		t.Fatalf("err = %v, want ErrPageTimeout", err)
	}
}

func TestExtractPagePanicRecovery(t *testing.T) {
	e := New(Config{})
	_, err := e.extractPage(context.Background(), func() ([][]string, error) {
		panic("backend blew up")
	})
	if err == nil {
		t.Fatal("panic was not converted to an error")
	}
	// The slot must come back after the panic.
	if err := e.Pool().Acquire(context.Background()); err != nil {
		t.Fatalf("pool slot lost after panic: %v", err)
	}
	e.Pool().Release()
}

func TestSplitCells(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a\tb\tc", []string{"a", "b", "c"}},
		{"Nome Completo  Valor  Data", []string{"Nome Completo", "Valor", "Data"}},
		{"single cell", []string{"single cell"}},
		{"a   b", []string{"a", "b"}},
		{"  padded  ", []string{"padded"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := splitCells(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitCells(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseContentLines(t *testing.T) {
	stream := []byte(`BT
(regiao) Tj
72 0 Td
(valor) Tj
0 -14 TD
[(Sul) -400 (10,50)] TJ
T*
(Norte  20,00) Tj
ET`)
	lines := parseContentLines(stream)
	want := [][]string{
		{"regiao", "valor"},
		{"Sul", "10,50"},
		{"Norte", "20,00"},
	}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("parseContentLines = %v, want %v", lines, want)
	}
}

func TestDecodePDFString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`plain`, "plain"},
		{`a\(b\)c`, "a(b)c"},
		{`tab\there`, "tab\there"},
		{`\134`, `\`},
		{`S\343o Paulo`, "S\343o Paulo"},
	}
	for _, tt := range tests {
		if got := decodePDFString([]byte(tt.in)); got != tt.want {
			t.Errorf("decodePDFString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectRegions(t *testing.T) {
	e := New(Config{})
	lines := [][]string{
		{"Relatório de Vendas"},           // prose, single cell
		{"regiao", "valor", "data"},       // table starts
		{"Sul", "10,50", "01/02/2024"},
		{"Norte", "20,00", "02/02/2024"},
		{"Total geral"},                   // table ends
		{"a", "b"},                        // second region, too short alone
	}
	regions := e.detectRegions(lines)
	if len(regions) != 1 {
		t.Fatalf("regions = %d, want 1", len(regions))
	}

	tab := regions[0].table
	if tab.Region.FirstLine != 1 || tab.Region.LastLine != 3 {
		t.Errorf("region span = %d..%d, want 1..3", tab.Region.FirstLine, tab.Region.LastLine)
	}
	if len(tab.Rows) != 3 {
		t.Errorf("rows = %d, want 3", len(tab.Rows))
	}
	if tab.Quality.ModalColumns != 3 {
		t.Errorf("modal columns = %d, want 3", tab.Quality.ModalColumns)
	}
	if tab.Confidence < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9 for a clean grid", tab.Confidence)
	}
}

func TestDetectRegionsJagged(t *testing.T) {
	e := New(Config{})
	lines := [][]string{
		{"a", "b", "c"},
		{"1", "2", "3"},
		{"4", "5"}, // merged cell
		{"6", "7", "8"},
	}
	regions := e.detectRegions(lines)
	if len(regions) != 1 {
		t.Fatalf("regions = %d, want 1", len(regions))
	}
	q := regions[0].table.Quality
	if q.ModalColumns != 3 {
		t.Errorf("modal columns = %d, want 3", q.ModalColumns)
	}
	if q.RowConsistency != 0.75 {
		t.Errorf("row consistency = %v, want 0.75", q.RowConsistency)
	}
}

func TestMinConfidenceFilter(t *testing.T) {
	// Threshold above any achievable confidence: every table is discarded and
	// the document fails with ErrNoTablesFound.
	e := New(Config{MinConfidence: 1.5})
	doc := loadCSV(t, "vendas.csv", "regiao;valor\nSul;10\nNorte;20\n")

	_, _, err := e.Extract(context.Background(), doc)
	if !errors.Is(err, ErrNoTablesFound) {
		t.Fatalf("err = %v, want ErrNoTablesFound after confidence filter", err)
	}
}
