// Package pipeline wires the extraction stages into a single entry point:
// ingest a set of documents, produce a persisted report artifact.
//
// Data flows strictly loader → extractor → normalizer → aggregator →
// renderer; each stage owns its output until handed forward. Documents are
// extracted in parallel (extraction is the one CPU-heavy stage), everything
// after runs sequentially so the result is deterministic. Per-document
// failures are tagged outcomes merged by the runner, never exceptions: one
// bad document in a multi-document run degrades the report, it does not
// abort it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/relato/aggregate"
	"github.com/hazyhaar/relato/docload"
	"github.com/hazyhaar/relato/normalize"
	"github.com/hazyhaar/relato/render"
	"github.com/hazyhaar/relato/runstore"
	"github.com/hazyhaar/relato/schema"
	"github.com/hazyhaar/relato/tablex"
)

// ErrAllDocumentsFailed is returned when not a single document contributed
// records to the run.
var ErrAllDocumentsFailed = errors.New("all documents failed")

// ErrNoSchema is returned when no schema was given and detection found no
// plausible match in any document.
var ErrNoSchema = errors.New("no schema matched")

// Config configures a Runner.
type Config struct {
	Schemas *schema.Registry
	Store   *runstore.Store // nil disables persistence

	// DataDir is where report artifacts are written.
	DataDir string

	// MaxFileSize bounds a single input document.
	MaxFileSize int64

	// ExtractWorkers sizes the extraction backend pool; DocWorkers bounds
	// how many documents are in flight at once (default: ExtractWorkers).
	ExtractWorkers int
	DocWorkers     int

	PageTimeout   time.Duration
	MinConfidence float64

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DocWorkers <= 0 {
		c.DocWorkers = c.ExtractWorkers
	}
	if c.DocWorkers <= 0 {
		c.DocWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Runner executes report runs.
type Runner struct {
	loader     *docload.Loader
	extractor  *tablex.Extractor
	normalizer *normalize.Normalizer
	renderer   *render.Renderer
	schemas    *schema.Registry
	store      *runstore.Store
	logger     *slog.Logger
	docWorkers int
}

// New creates a Runner and its stage components.
func New(cfg Config) *Runner {
	cfg.defaults()
	return &Runner{
		loader: docload.New(docload.Config{
			MaxFileSize: cfg.MaxFileSize,
			Logger:      cfg.Logger,
		}),
		extractor: tablex.New(tablex.Config{
			Workers:       cfg.ExtractWorkers,
			PageTimeout:   cfg.PageTimeout,
			MinConfidence: cfg.MinConfidence,
			Logger:        cfg.Logger,
		}),
		normalizer: normalize.New(normalize.Config{Logger: cfg.Logger}),
		renderer:   render.New(render.Config{DataDir: cfg.DataDir, Logger: cfg.Logger}),
		schemas:    cfg.Schemas,
		store:      cfg.Store,
		logger:     cfg.Logger,
		docWorkers: cfg.DocWorkers,
	}
}

// DocumentInput references one input document: a path, or an in-memory
// payload as delivered by an upload.
type DocumentInput struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
}

// RunRequest describes one report run.
type RunRequest struct {
	Documents []DocumentInput    `json:"documents"`
	Schema    string             `json:"schema,omitempty"` // empty = auto-detect
	GroupBy   []string           `json:"group_by"`
	Metrics   []aggregate.Metric `json:"metrics"`
	Format    string             `json:"format,omitempty"` // default csv
	Name      string             `json:"name,omitempty"`
}

// Outcome tags one document's fate within a run.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// DocumentResult is one document's tagged outcome.
type DocumentResult struct {
	DocID   string         `json:"doc_id,omitempty"`
	Name    string         `json:"name"`
	Format  docload.Format `json:"format,omitempty"`
	Outcome Outcome        `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Records int            `json:"records"`
	Issues  int            `json:"issues"`
}

// RunResult is the synchronous answer to a run: the aggregate, its persisted
// artifact, and the per-document outcomes.
type RunResult struct {
	RunID     string            `json:"run_id"`
	Status    string            `json:"status"` // succeeded, partial
	Schema    string            `json:"schema"`
	Report    *aggregate.Report `json:"report"`
	Artifact  *render.Artifact  `json:"artifact"`
	Documents []DocumentResult  `json:"documents"`
}

// docState is the per-document output of the parallel phase.
type docState struct {
	input  DocumentInput
	doc    *docload.SourceDocument
	tables []tablex.RawTable
	issues []tablex.PageIssue
	err    error
}

// Run executes a full report run. The returned error is non-nil only for
// invalid requests, run-level failures (render, persistence) or when every
// document failed.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(req.Documents) == 0 {
		return nil, fmt.Errorf("run: no documents")
	}
	spec := aggregate.Spec{GroupBy: req.GroupBy, Metrics: req.Metrics}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	format, err := render.ParseFormat(req.Format)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	runID := "run_" + uuid.Must(uuid.NewV7()).String()
	logger := r.logger.With("run", runID)
	logger.Info("run started", "documents", len(req.Documents), "schema", req.Schema)

	if r.store != nil {
		rec := &runstore.Run{
			ID:         runID,
			SchemaName: req.Schema,
			GroupBy:    strings.Join(req.GroupBy, ","),
			Format:     string(format),
			CreatedAt:  time.Now().UTC(),
		}
		if err := r.store.CreateRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
	}

	res, runErr := r.run(ctx, runID, req, spec, format, logger)
	if r.store != nil {
		r.persist(runID, req, res, runErr)
	}
	return res, runErr
}

func (r *Runner) run(ctx context.Context, runID string, req RunRequest, spec aggregate.Spec, format render.Format, logger *slog.Logger) (*RunResult, error) {
	// Phase 1: load + extract every document, in parallel. Cancellation is
	// honoured at document granularity: once ctx is done no new document
	// starts, in-flight extractions finish or are abandoned by the
	// per-page timeout machinery.
	states := make([]docState, len(req.Documents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.docWorkers)
	for i := range req.Documents {
		g.Go(func() error {
			states[i] = r.extractOne(gctx, req.Documents[i])
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run cancelled: %w", err)
	}

	// Phase 2: resolve the schema, normalize, aggregate, render. Sequential
	// and deterministic; record order no longer matters because the
	// aggregator canonicalises it.
	sch, err := r.resolveSchema(req.Schema, states)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	var all []normalize.Record
	results := make([]DocumentResult, len(states))
	contributed := 0
	for i := range states {
		recs, dr := r.normalizeOne(&states[i], sch)
		results[i] = dr
		if dr.Outcome != OutcomeFailed {
			contributed++
			all = append(all, recs...)
		}
	}

	if contributed == 0 {
		return &RunResult{RunID: runID, Status: "failed", Schema: sch.Name, Documents: results},
			fmt.Errorf("run: %w", ErrAllDocumentsFailed)
	}

	rep, err := aggregate.Aggregate(all, spec)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	rep.Name = req.Name
	if rep.Name == "" {
		rep.Name = sch.Name
	}

	artifact, err := r.renderer.Render(rep, format)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	status := "succeeded"
	for _, dr := range results {
		if dr.Outcome != OutcomeOK {
			status = "partial"
			break
		}
	}

	logger.Info("run finished",
		"status", status, "schema", sch.Name,
		"records", rep.Records, "deduped", rep.Deduped,
		"rows", len(rep.Rows), "artifact", artifact.Path)

	return &RunResult{
		RunID:     runID,
		Status:    status,
		Schema:    sch.Name,
		Report:    rep,
		Artifact:  artifact,
		Documents: results,
	}, nil
}

// extractOne runs the loader and extractor for one document. Failures land
// in the state, not in an error return: the caller turns them into tagged
// outcomes.
func (r *Runner) extractOne(ctx context.Context, in DocumentInput) docState {
	st := docState{input: in}
	if ctx.Err() != nil {
		st.err = ctx.Err()
		return st
	}

	var doc *docload.SourceDocument
	var err error
	if in.Path != "" {
		doc, err = r.loader.Load(ctx, in.Path)
	} else {
		doc, err = r.loader.LoadBytes(ctx, in.Name, in.Data)
	}
	if err != nil {
		st.err = err
		return st
	}
	st.doc = doc

	st.tables, st.issues, st.err = r.extractor.Extract(ctx, doc)
	return st
}

// resolveSchema picks the run's schema: the requested one, or detection over
// the extracted tables of the first document that yields a match.
func (r *Runner) resolveSchema(requested string, states []docState) (*schema.Schema, error) {
	if requested != "" {
		s, ok := r.schemas.Get(requested)
		if !ok {
			return nil, fmt.Errorf("unknown schema %q", requested)
		}
		return s, nil
	}

	// Score every header candidate across every document and keep the best
	// match: a preamble row can clear the detection floor for a lean schema
	// while the real header further down identifies the right one.
	var best *schema.Schema
	var bestScore float64
	var bestDoc string
	for i := range states {
		if states[i].err != nil {
			continue
		}
		for _, t := range states[i].tables {
			for _, row := range headerCandidates(t.Rows) {
				if s, score := r.schemas.Detect(row); s != nil && score > bestScore {
					best, bestScore, bestDoc = s, score, states[i].doc.ID
				}
			}
		}
	}
	if best == nil {
		return nil, ErrNoSchema
	}
	r.logger.Debug("schema detected", "schema", best.Name, "score", bestScore, "doc", bestDoc)
	return best, nil
}

func headerCandidates(rows [][]string) [][]string {
	limit := len(rows)
	if limit > 5 {
		limit = 5
	}
	return rows[:limit]
}

// normalizeOne turns one document's extracted tables into records plus its
// tagged outcome.
func (r *Runner) normalizeOne(st *docState, sch *schema.Schema) ([]normalize.Record, DocumentResult) {
	dr := DocumentResult{Name: st.input.Name}
	if st.input.Name == "" && st.input.Path != "" {
		dr.Name = st.input.Path
	}
	if st.doc != nil {
		dr.DocID = st.doc.ID
		dr.Format = st.doc.Format
	}

	if st.err != nil {
		dr.Outcome = OutcomeFailed
		dr.Reason = failureReason(st.err)
		return nil, dr
	}

	recs, err := r.normalizer.Normalize(st.tables, sch)
	if err != nil {
		dr.Outcome = OutcomeFailed
		dr.Reason = failureReason(err)
		return nil, dr
	}

	issueRows := 0
	for i := range recs {
		if len(recs[i].Issues) > 0 {
			issueRows++
		}
	}
	dr.Records = len(recs)
	dr.Issues = issueRows + len(st.issues)

	switch {
	case len(st.issues) > 0 || issueRows > 0:
		dr.Outcome = OutcomePartial
		dr.Reason = partialReason(st.issues, issueRows)
	default:
		dr.Outcome = OutcomeOK
	}
	return recs, dr
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, docload.ErrUnsupportedFormat):
		return "unsupported format"
	case errors.Is(err, docload.ErrCorruptDocument):
		return "corrupt document"
	case errors.Is(err, docload.ErrTooLarge):
		return "document too large"
	case errors.Is(err, tablex.ErrNoTablesFound):
		return "no tables found"
	case errors.Is(err, normalize.ErrSchemaMismatch):
		return "schema mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return err.Error()
}

func partialReason(issues []tablex.PageIssue, issueRows int) string {
	var parts []string
	if len(issues) > 0 {
		parts = append(parts, fmt.Sprintf("%d page(s) dropped", len(issues)))
	}
	if issueRows > 0 {
		parts = append(parts, fmt.Sprintf("%d row(s) with data-quality issues", issueRows))
	}
	return strings.Join(parts, "; ")
}

// persist records the run's terminal state; persistence failures are logged,
// not surfaced, because the caller already has the result in hand.
func (r *Runner) persist(runID string, req RunRequest, res *RunResult, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &runstore.Run{ID: runID, Status: "failed"}
	if res != nil {
		rec.Status = res.Status
		rec.SchemaName = res.Schema
		if res.Artifact != nil {
			rec.ArtifactPath = res.Artifact.Path
			rec.ArtifactHash = res.Artifact.Hash
			rec.ArtifactSize = res.Artifact.Size
		}
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	rec.GroupBy = strings.Join(req.GroupBy, ",")
	rec.Format = req.Format

	if err := r.store.FinishRun(ctx, rec); err != nil {
		r.logger.Error("persist run", "run", runID, "error", err)
	}
	if res != nil && len(res.Documents) > 0 {
		docs := make([]runstore.DocumentStatus, 0, len(res.Documents))
		for _, d := range res.Documents {
			docs = append(docs, runstore.DocumentStatus{
				RunID:   runID,
				DocID:   orName(d.DocID, d.Name),
				Name:    d.Name,
				Format:  string(d.Format),
				Outcome: string(d.Outcome),
				Reason:  d.Reason,
				Records: d.Records,
				Issues:  d.Issues,
			})
		}
		if err := r.store.PutDocuments(ctx, runID, docs); err != nil {
			r.logger.Error("persist documents", "run", runID, "error", err)
		}
	}
}

func orName(id, name string) string {
	if id != "" {
		return id
	}
	return name
}
