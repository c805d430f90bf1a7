package aggregate

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/hazyhaar/relato/normalize"
	"github.com/hazyhaar/relato/schema"
)

func rec(doc string, page, row int, regiao string, valor float64, valorNull bool) normalize.Record {
	v := normalize.Value{Type: schema.TypeDecimal, Float: valor}
	if valorNull {
		v = normalize.NullValue(schema.TypeDecimal)
	}
	return normalize.Record{
		Schema: "vendas",
		Fields: map[string]normalize.Value{
			"regiao": {Type: schema.TypeText, Text: regiao},
			"valor":  v,
		},
		Provenance: normalize.Provenance{DocID: doc, Page: page, Row: row},
	}
}

func vendasSpec() Spec {
	return Spec{
		GroupBy: []string{"regiao"},
		Metrics: []Metric{
			{Name: "total", Column: "valor", Reduce: Sum},
			{Name: "n", Column: "valor", Reduce: Count},
			{Name: "media", Column: "valor", Reduce: Avg},
			{Name: "menor", Column: "valor", Reduce: Min},
			{Name: "maior", Column: "valor", Reduce: Max},
		},
	}
}

func TestSpecValidate(t *testing.T) {
	spec := vendasSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	bad := []Spec{
		{},
		{Metrics: []Metric{{Name: "", Column: "valor", Reduce: Sum}}},
		{Metrics: []Metric{{Name: "x", Column: "", Reduce: Sum}}},
		{Metrics: []Metric{{Name: "x", Column: "v", Reduce: "median"}}},
		{Metrics: []Metric{
			{Name: "x", Column: "v", Reduce: Sum},
			{Name: "x", Column: "v", Reduce: Count},
		}},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrBadSpec) {
			t.Errorf("spec %d: err = %v, want ErrBadSpec", i, err)
		}
	}
}

func TestAggregate(t *testing.T) {
	records := []normalize.Record{
		rec("doc_a", 1, 0, "Sul", 10.5, false),
		rec("doc_a", 1, 1, "Sul", 20, false),
		rec("doc_a", 1, 2, "Norte", 5, false),
		rec("doc_b", 1, 0, "Sul", 4.5, false),
		rec("doc_b", 1, 1, "Norte", 0, true), // null valor
	}

	rep, err := Aggregate(records, vendasSpec())
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if rep.Records != 5 || rep.Deduped != 0 {
		t.Errorf("records/deduped = %d/%d, want 5/0", rep.Records, rep.Deduped)
	}
	if !reflect.DeepEqual(rep.SourceDocs, []string{"doc_a", "doc_b"}) {
		t.Errorf("source docs = %v", rep.SourceDocs)
	}
	if !reflect.DeepEqual(rep.Metrics, []string{"total", "n", "media", "menor", "maior"}) {
		t.Errorf("metric order = %v", rep.Metrics)
	}
	if len(rep.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rep.Rows))
	}

	// Rows are ordered by group key: Norte before Sul.
	norte, sul := rep.Rows[0], rep.Rows[1]
	if norte.Keys["regiao"] != "Norte" || sul.Keys["regiao"] != "Sul" {
		t.Fatalf("row order = %v, %v", norte.Keys, sul.Keys)
	}

	if norte.Metrics["total"] != 5 || norte.Metrics["n"] != 1 {
		t.Errorf("Norte = %+v", norte.Metrics)
	}
	if norte.Nulls["total"] != 1 {
		t.Errorf("Norte null count = %d, want 1", norte.Nulls["total"])
	}

	if sul.Metrics["total"] != 35 {
		t.Errorf("Sul total = %v, want 35", sul.Metrics["total"])
	}
	if sul.Metrics["n"] != 3 {
		t.Errorf("Sul count = %v, want 3", sul.Metrics["n"])
	}
	if got := sul.Metrics["media"]; got < 11.66 || got > 11.67 {
		t.Errorf("Sul media = %v, want ~11.667", got)
	}
	if sul.Metrics["menor"] != 4.5 || sul.Metrics["maior"] != 20 {
		t.Errorf("Sul min/max = %v/%v, want 4.5/20", sul.Metrics["menor"], sul.Metrics["maior"])
	}
}

// Aggregation must be bit-identical under any input permutation, float sums
// included.
func TestAggregateOrderIndependent(t *testing.T) {
	var records []normalize.Record
	regions := []string{"Sul", "Norte", "Leste", "Oeste"}
	for i := 0; i < 200; i++ {
		records = append(records,
			rec("doc_a", 1+i%3, i, regions[i%len(regions)], 0.1*float64(i)+0.007, i%17 == 0))
	}

	base, err := Aggregate(records, vendasSpec())
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]normalize.Record(nil), records...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		rep, err := Aggregate(shuffled, vendasSpec())
		if err != nil {
			t.Fatal(err)
		}
		if len(rep.Rows) != len(base.Rows) {
			t.Fatalf("trial %d: row count %d vs %d", trial, len(rep.Rows), len(base.Rows))
		}
		for i := range rep.Rows {
			if !reflect.DeepEqual(rep.Rows[i].Keys, base.Rows[i].Keys) {
				t.Fatalf("trial %d row %d: keys differ", trial, i)
			}
			for name, v := range rep.Rows[i].Metrics {
				// Exact equality on purpose: canonical ordering makes even
				// float sums reproducible.
				if base.Rows[i].Metrics[name] != v {
					t.Errorf("trial %d row %d metric %s: %v != %v",
						trial, i, name, v, base.Rows[i].Metrics[name])
				}
			}
			if !reflect.DeepEqual(rep.Rows[i].Nulls, base.Rows[i].Nulls) {
				t.Errorf("trial %d row %d: null counts differ", trial, i)
			}
		}
	}
}

func TestDedupe(t *testing.T) {
	spec := vendasSpec()
	records := []normalize.Record{
		rec("doc_a", 1, 0, "Sul", 10, false),
		rec("doc_a", 1, 0, "Sul", 10, false), // retried extraction, identical
		rec("doc_a", 1, 0, "Sul", 99, false), // same provenance, different value: kept
		rec("doc_b", 1, 0, "Sul", 10, false), // different doc: kept
	}

	unique, dropped := Dedupe(records, spec)
	if dropped != 1 || len(unique) != 3 {
		t.Fatalf("dedupe = %d unique / %d dropped, want 3/1", len(unique), dropped)
	}

	rep, err := Aggregate(records, spec)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Deduped != 1 {
		t.Errorf("report deduped = %d, want 1", rep.Deduped)
	}
	if got := rep.Rows[0].Metrics["total"]; got != 119 {
		t.Errorf("total = %v, want 119 after dedup", got)
	}
}

func TestAccumulatorMerge(t *testing.T) {
	spec := vendasSpec()
	records := []normalize.Record{
		rec("doc_a", 1, 0, "Sul", 10, false),
		rec("doc_a", 1, 1, "Sul", 2, false),
		rec("doc_b", 1, 0, "Sul", 30, false),
		rec("doc_b", 1, 1, "Norte", 7, false),
		rec("doc_b", 1, 2, "Norte", 0, true),
	}

	whole := NewAccumulator(spec)
	for i := range records {
		whole.Add(&records[i])
	}

	left, right := NewAccumulator(spec), NewAccumulator(spec)
	for i := range records[:2] {
		left.Add(&records[i])
	}
	for i := 2; i < len(records); i++ {
		right.Add(&records[i])
	}
	left.Merge(right)

	a, b := whole.Report(), left.Report()
	if !reflect.DeepEqual(a.SourceDocs, b.SourceDocs) {
		t.Errorf("source docs: %v vs %v", a.SourceDocs, b.SourceDocs)
	}
	if len(a.Rows) != len(b.Rows) {
		t.Fatalf("row counts: %d vs %d", len(a.Rows), len(b.Rows))
	}
	for i := range a.Rows {
		if !reflect.DeepEqual(a.Rows[i].Keys, b.Rows[i].Keys) ||
			!reflect.DeepEqual(a.Rows[i].Metrics, b.Rows[i].Metrics) ||
			!reflect.DeepEqual(a.Rows[i].Nulls, b.Rows[i].Nulls) {
			t.Errorf("row %d differs:\n whole: %+v\nmerged: %+v", i, a.Rows[i], b.Rows[i])
		}
	}
}

func TestAggregateAllNull(t *testing.T) {
	// Reductions over zero usable values report 0, never NaN; the null
	// counter carries the explanation.
	rep, err := Aggregate([]normalize.Record{
		rec("doc_a", 1, 0, "Sul", 0, true),
		rec("doc_a", 1, 1, "Sul", 0, true),
	}, vendasSpec())
	if err != nil {
		t.Fatal(err)
	}
	row := rep.Rows[0]
	for _, m := range rep.Metrics {
		if row.Metrics[m] != 0 {
			t.Errorf("metric %s = %v, want 0", m, row.Metrics[m])
		}
	}
	if row.Nulls["total"] != 2 {
		t.Errorf("nulls = %d, want 2", row.Nulls["total"])
	}
}

func TestAggregateNoGroupBy(t *testing.T) {
	// Empty group-by folds everything into a single row.
	rep, err := Aggregate([]normalize.Record{
		rec("doc_a", 1, 0, "Sul", 10, false),
		rec("doc_a", 1, 1, "Norte", 20, false),
	}, Spec{Metrics: []Metric{{Name: "total", Column: "valor", Reduce: Sum}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rep.Rows))
	}
	if rep.Rows[0].Metrics["total"] != 30 {
		t.Errorf("total = %v, want 30", rep.Rows[0].Metrics["total"])
	}
}
