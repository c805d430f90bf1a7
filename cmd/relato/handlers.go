package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relato/aggregate"
	"github.com/hazyhaar/relato/pipeline"
	"github.com/hazyhaar/relato/render"
	"github.com/hazyhaar/relato/runstore"
	"github.com/hazyhaar/relato/schema"
)

type handlers struct {
	runner  *pipeline.Runner
	store   *runstore.Store
	schemas *schema.Registry
}

// GET /healthz
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	hc := h.runner.Health(r.Context())
	code := http.StatusOK
	if !hc.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hc)
}

// GET /api/schemas
func (h *handlers) listSchemas(w http.ResponseWriter, _ *http.Request) {
	names := h.schemas.Names()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		s, _ := h.schemas.Get(name)
		out = append(out, map[string]any{
			"name":    s.Name,
			"columns": s.ColumnNames(),
			"locale":  s.Locale.Tag,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": out})
}

// POST /api/runs — multipart form: one or more "documents" file parts plus
// fields schema, group_by (comma-separated), metrics (JSON array), format,
// name. The run is synchronous; the response carries the full result.
func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	var req pipeline.RunRequest
	req.Schema = r.FormValue("schema")
	req.Format = r.FormValue("format")
	req.Name = r.FormValue("name")
	if gb := r.FormValue("group_by"); gb != "" {
		for _, k := range strings.Split(gb, ",") {
			if k = strings.TrimSpace(k); k != "" {
				req.GroupBy = append(req.GroupBy, k)
			}
		}
	}
	if m := r.FormValue("metrics"); m != "" {
		if err := json.Unmarshal([]byte(m), &req.Metrics); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("metrics: %w", err))
			return
		}
	}

	files := r.MultipartForm.File["documents"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no documents uploaded"))
		return
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("open %s: %w", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read %s: %w", fh.Filename, err))
			return
		}
		req.Documents = append(req.Documents, pipeline.DocumentInput{
			Name: fh.Filename,
			Data: data,
		})
	}

	res, err := h.runner.Run(r.Context(), req)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrAllDocumentsFailed):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, pipeline.ErrNoSchema),
			errors.Is(err, aggregate.ErrBadSpec),
			errors.Is(err, render.ErrRenderFailed):
			code = http.StatusBadRequest
		}
		if res != nil {
			// Per-document outcomes still matter to the caller.
			writeJSON(w, code, map[string]any{"error": err.Error(), "run": res})
			return
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GET /api/runs?limit=N
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /api/runs/{runID}
func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, docs, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "documents": docs})
}

// GET /api/runs/{runID}/report — download the persisted artifact.
func (h *handlers) downloadReport(w http.ResponseWriter, r *http.Request) {
	run := h.lookupArtifact(w, r)
	if run == nil {
		return
	}
	ext := filepath.Ext(run.ArtifactPath)
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(run.ArtifactPath)))
	http.ServeFile(w, r, run.ArtifactPath)
}

// GET /api/runs/{runID}/preview — re-parse the artifact into header + rows.
func (h *handlers) previewReport(w http.ResponseWriter, r *http.Request) {
	run := h.lookupArtifact(w, r)
	if run == nil {
		return
	}
	format := render.Format(strings.TrimPrefix(filepath.Ext(run.ArtifactPath), "."))
	decoded, err := render.Decode(&render.Artifact{Path: run.ArtifactPath, Format: format})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, decoded)
}

// lookupArtifact fetches the run and writes the error response itself when
// the run or its artifact is missing.
func (h *handlers) lookupArtifact(w http.ResponseWriter, r *http.Request) *runstore.Run {
	runID := chi.URLParam(r, "runID")
	run, _, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return nil
		}
		writeError(w, http.StatusInternalServerError, err)
		return nil
	}
	if run.ArtifactPath == "" {
		writeError(w, http.StatusNotFound,
			fmt.Errorf("run %s has no artifact (status %s)", runID, run.Status))
		return nil
	}
	return run
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
