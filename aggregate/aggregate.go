// Package aggregate folds normalized records into grouped summary reports.
//
// Reductions are associative and commutative per group, so shards may be
// accumulated independently and merged. Records are deduplicated and sorted
// into a canonical order before folding, which makes the result — including
// floating-point sums — identical for any permutation of the same record set.
package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hazyhaar/relato/normalize"
)

// Reduction names a supported fold.
type Reduction string

const (
	Sum   Reduction = "sum"
	Count Reduction = "count"
	Avg   Reduction = "avg"
	Min   Reduction = "min"
	Max   Reduction = "max"
)

// ErrBadSpec is returned for malformed aggregation specs.
var ErrBadSpec = errors.New("invalid aggregation spec")

// Metric is one requested output column: a reduction over a record column.
type Metric struct {
	Name   string    `json:"name" yaml:"name"`
	Column string    `json:"column" yaml:"column"`
	Reduce Reduction `json:"reduce" yaml:"reduce"`
}

// Spec is an aggregation request.
type Spec struct {
	GroupBy []string `json:"group_by" yaml:"group_by"`
	Metrics []Metric `json:"metrics" yaml:"metrics"`
}

// Validate rejects unknown reductions, duplicate metric names and empty specs.
func (s *Spec) Validate() error {
	if len(s.Metrics) == 0 {
		return fmt.Errorf("no metrics: %w", ErrBadSpec)
	}
	seen := make(map[string]bool, len(s.Metrics))
	for _, m := range s.Metrics {
		if m.Name == "" || m.Column == "" {
			return fmt.Errorf("metric needs name and column: %w", ErrBadSpec)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate metric %q: %w", m.Name, ErrBadSpec)
		}
		seen[m.Name] = true
		switch m.Reduce {
		case Sum, Count, Avg, Min, Max:
		default:
			return fmt.Errorf("unknown reduction %q: %w", m.Reduce, ErrBadSpec)
		}
	}
	return nil
}

// SummaryRow is one group's computed metrics. Nulls counts the values each
// metric skipped, the data-quality companion to the metric itself.
type SummaryRow struct {
	Keys    map[string]string  `json:"keys"`
	Metrics map[string]float64 `json:"metrics"`
	Nulls   map[string]int     `json:"nulls"`
}

// Report is the aggregate computed from a record set. Summary rows are
// uniquely keyed by the grouping tuple and ordered by it.
type Report struct {
	Name    string   `json:"name"`
	GroupBy []string `json:"group_by"`
	// Metrics preserves the spec's metric order for renderers.
	Metrics     []string     `json:"metrics"`
	Rows        []SummaryRow `json:"rows"`
	GeneratedAt time.Time    `json:"generated_at"`
	SourceDocs  []string     `json:"source_docs"`
	Records     int          `json:"records"`
	Deduped     int          `json:"deduped"`
	IssueRows   int          `json:"issue_rows"`
}

// Aggregate dedupes, canonically orders and folds records per spec.
func Aggregate(records []normalize.Record, spec Spec) (*Report, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	unique, dropped := Dedupe(records, spec)
	sortCanonical(unique, spec)

	acc := NewAccumulator(spec)
	for i := range unique {
		acc.Add(&unique[i])
	}

	rep := acc.Report()
	rep.Records = len(records)
	rep.Deduped = dropped
	return rep, nil
}

// Dedupe removes records identical on provenance, grouping columns and
// metric source columns — the signature of a retried extraction. Order of
// the survivors follows first occurrence; Aggregate re-sorts anyway.
func Dedupe(records []normalize.Record, spec Spec) ([]normalize.Record, int) {
	seen := make(map[string]bool, len(records))
	out := make([]normalize.Record, 0, len(records))
	for _, r := range records {
		key := dedupeKey(&r, spec)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

func dedupeKey(r *normalize.Record, spec Spec) string {
	var sb strings.Builder
	sb.WriteString(r.Provenance.String())
	for _, g := range spec.GroupBy {
		sb.WriteByte('\x1f')
		sb.WriteString(r.Get(g).String())
	}
	for _, m := range spec.Metrics {
		sb.WriteByte('\x1f')
		sb.WriteString(r.Get(m.Column).String())
	}
	return sb.String()
}

func sortCanonical(records []normalize.Record, spec Spec) {
	sort.Slice(records, func(i, j int) bool {
		return dedupeKey(&records[i], spec) < dedupeKey(&records[j], spec)
	})
}

// groupState carries the running fold for one group.
type groupState struct {
	keys  map[string]string
	sums  map[string]float64
	mins  map[string]float64
	maxs  map[string]float64
	count map[string]int // non-null values seen per metric
	num   map[string]int // numeric values seen per metric
	nulls map[string]int
}

// Accumulator folds records group by group. Add and Merge are commutative
// and associative over group state; only the floating-point tails of sums
// depend on order, which Aggregate neutralises by canonical sorting.
type Accumulator struct {
	spec      Spec
	groups    map[string]*groupState
	docs      map[string]bool
	issueRows int
}

// NewAccumulator creates an empty accumulator for spec. The spec must have
// been validated.
func NewAccumulator(spec Spec) *Accumulator {
	return &Accumulator{
		spec:   spec,
		groups: make(map[string]*groupState),
		docs:   make(map[string]bool),
	}
}

// Add folds one record.
func (a *Accumulator) Add(r *normalize.Record) {
	a.docs[r.Provenance.DocID] = true
	if len(r.Issues) > 0 {
		a.issueRows++
	}

	g := a.group(r)
	for _, m := range a.spec.Metrics {
		v := r.Get(m.Column)
		if v.Null {
			// Nulls never feed a reduction but are always counted: every
			// metric gets a data-quality companion in the summary row.
			g.nulls[m.Name]++
			continue
		}
		g.count[m.Name]++
		n, ok := v.Num()
		if !ok {
			// Text/date under a numeric reduction: countable, not summable.
			continue
		}
		g.num[m.Name]++
		g.sums[m.Name] += n
		if g.num[m.Name] == 1 || n < g.mins[m.Name] {
			g.mins[m.Name] = n
		}
		if g.num[m.Name] == 1 || n > g.maxs[m.Name] {
			g.maxs[m.Name] = n
		}
	}
}

func (a *Accumulator) group(r *normalize.Record) *groupState {
	var sb strings.Builder
	keys := make(map[string]string, len(a.spec.GroupBy))
	for _, gcol := range a.spec.GroupBy {
		v := r.Get(gcol).String()
		keys[gcol] = v
		sb.WriteString(v)
		sb.WriteByte('\x1f')
	}
	id := sb.String()

	g, ok := a.groups[id]
	if !ok {
		g = &groupState{
			keys:  keys,
			sums:  make(map[string]float64),
			mins:  make(map[string]float64),
			maxs:  make(map[string]float64),
			count: make(map[string]int),
			num:   make(map[string]int),
			nulls: make(map[string]int),
		}
		a.groups[id] = g
	}
	return g
}

// Merge folds another accumulator into a. The two must cover disjoint record
// sets (dedup happens before sharding).
func (a *Accumulator) Merge(b *Accumulator) {
	for d := range b.docs {
		a.docs[d] = true
	}
	a.issueRows += b.issueRows

	for id, bg := range b.groups {
		ag, ok := a.groups[id]
		if !ok {
			a.groups[id] = bg
			continue
		}
		for _, m := range a.spec.Metrics {
			name := m.Name
			prevNum := ag.num[name]
			ag.count[name] += bg.count[name]
			ag.num[name] += bg.num[name]
			ag.nulls[name] += bg.nulls[name]
			ag.sums[name] += bg.sums[name]
			if bg.num[name] > 0 {
				if prevNum == 0 || bg.mins[name] < ag.mins[name] {
					ag.mins[name] = bg.mins[name]
				}
				if prevNum == 0 || bg.maxs[name] > ag.maxs[name] {
					ag.maxs[name] = bg.maxs[name]
				}
			}
		}
	}
}

// Report finalises the fold into a Report with canonical row ordering.
func (a *Accumulator) Report() *Report {
	ids := make([]string, 0, len(a.groups))
	for id := range a.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]SummaryRow, 0, len(ids))
	for _, id := range ids {
		g := a.groups[id]
		row := SummaryRow{
			Keys:    g.keys,
			Metrics: make(map[string]float64, len(a.spec.Metrics)),
			Nulls:   make(map[string]int, len(a.spec.Metrics)),
		}
		for _, m := range a.spec.Metrics {
			row.Nulls[m.Name] = g.nulls[m.Name]
			// A reduction over zero usable values reports 0; the Nulls
			// counter tells the reader why. NaN would break JSON output.
			switch m.Reduce {
			case Sum:
				row.Metrics[m.Name] = g.sums[m.Name]
			case Count:
				row.Metrics[m.Name] = float64(g.count[m.Name])
			case Avg:
				if g.num[m.Name] > 0 {
					row.Metrics[m.Name] = g.sums[m.Name] / float64(g.num[m.Name])
				}
			case Min:
				row.Metrics[m.Name] = g.mins[m.Name]
			case Max:
				row.Metrics[m.Name] = g.maxs[m.Name]
			}
		}
		rows = append(rows, row)
	}

	docs := make([]string, 0, len(a.docs))
	for d := range a.docs {
		docs = append(docs, d)
	}
	sort.Strings(docs)

	names := make([]string, len(a.spec.Metrics))
	for i, m := range a.spec.Metrics {
		names[i] = m.Name
	}

	return &Report{
		GroupBy:     a.spec.GroupBy,
		Metrics:     names,
		Rows:        rows,
		GeneratedAt: time.Now().UTC(),
		SourceDocs:  docs,
		IssueRows:   a.issueRows,
	}
}
