// Package tablex locates tabular regions in source documents and emits raw
// cell grids with confidence scores.
//
// Extraction is page-oriented and independently retryable: one page failing
// or timing out is recorded as a PageIssue and the remaining pages still
// contribute, because a production report must reflect partial data. Only a
// document yielding zero usable tables fails outright.
//
// The backend is treated as a bounded resource: every page extraction holds a
// Pool slot for its duration.
package tablex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relato/docload"
)

// ErrNoTablesFound is returned when no page of a document yields a usable
// table. Fatal to that document, never to the whole run.
var ErrNoTablesFound = errors.New("no tables found")

// ErrPageTimeout marks a page whose extraction exceeded the configured
// per-page timeout. Recorded as a PageIssue, not returned to callers.
var ErrPageTimeout = errors.New("page extraction timeout")

// Config configures an Extractor.
type Config struct {
	// MinConfidence is the detection confidence below which a candidate
	// region is discarded with a warning (default: 0.5).
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`

	// PageTimeout bounds a single page extraction (default: 30s).
	PageTimeout time.Duration `json:"page_timeout" yaml:"page_timeout"`

	// Workers is the backend pool size (default: 4).
	Workers int `json:"workers" yaml:"workers"`

	// MinRows and MinColumns are the smallest grid considered a table
	// (defaults: 2x2).
	MinRows    int `json:"min_rows" yaml:"min_rows"`
	MinColumns int `json:"min_columns" yaml:"min_columns"`

	// Logger for per-page diagnostics.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinRows <= 0 {
		c.MinRows = 2
	}
	if c.MinColumns <= 0 {
		c.MinColumns = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Extractor turns loaded documents into raw cell grids.
type Extractor struct {
	cfg    Config
	pool   *Pool
	logger *slog.Logger
}

// New creates an Extractor with the given configuration.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{
		cfg:    cfg,
		pool:   NewPool(cfg.Workers),
		logger: cfg.Logger,
	}
}

// Pool exposes the backend pool, for liveness checks.
func (e *Extractor) Pool() *Pool { return e.pool }

// Extract locates tables in every page of doc. Per-page failures come back as
// PageIssues; the error is non-nil only when the whole document is unusable.
func (e *Extractor) Extract(ctx context.Context, doc *docload.SourceDocument) ([]RawTable, []PageIssue, error) {
	var tables []RawTable
	var issues []PageIssue
	var err error

	switch doc.Format {
	case docload.FormatPDF:
		tables, issues, err = e.extractPDF(ctx, doc)
	case docload.FormatCSV:
		tables, issues, err = e.extractCSV(ctx, doc)
	default:
		return nil, nil, fmt.Errorf("no extraction backend for format %q", doc.Format)
	}
	if err != nil {
		return nil, issues, err
	}

	kept := tables[:0]
	for _, t := range tables {
		if t.Confidence < e.cfg.MinConfidence {
			e.logger.Warn("low-confidence table discarded",
				"doc", doc.ID, "page", t.Page,
				"confidence", t.Confidence, "min", e.cfg.MinConfidence)
			continue
		}
		kept = append(kept, t)
	}

	if len(kept) == 0 {
		return nil, issues, fmt.Errorf("%s: %w", doc.ID, ErrNoTablesFound)
	}
	e.logger.Debug("extraction complete",
		"doc", doc.ID, "tables", len(kept), "issues", len(issues))
	return kept, issues, nil
}

// extractPage runs fn under a pool slot with the per-page timeout. A page
// that overruns is abandoned: its goroutine finishes in the background and
// the page is reported as timed out.
func (e *Extractor) extractPage(ctx context.Context, fn func() ([][]string, error)) ([][]string, error) {
	if err := e.pool.Acquire(ctx); err != nil {
		return nil, err
	}

	type result struct {
		rows [][]string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer e.pool.Release()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("extraction panic: %v", r)}
			}
		}()
		rows, err := fn()
		done <- result{rows: rows, err: err}
	}()

	timer := time.NewTimer(e.cfg.PageTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.rows, r.err
	case <-timer.C:
		return nil, ErrPageTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
