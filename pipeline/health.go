package pipeline

import (
	"context"
	"os"
	"time"
)

// Health is the cheap liveness snapshot for the shell's health endpoint.
// It never performs an extraction.
type Health struct {
	Backend  bool   `json:"backend"`  // extraction pool answers an acquire/release round-trip
	DataDir  bool   `json:"data_dir"` // artifact directory is writable
	Registry bool   `json:"registry"` // run registry answers a ping (true when persistence is off)
	Detail   string `json:"detail,omitempty"`
}

// OK reports whether every probe passed.
func (h Health) OK() bool { return h.Backend && h.DataDir && h.Registry }

// Health probes the runner's collaborators.
func (r *Runner) Health(ctx context.Context) Health {
	h := Health{Registry: true}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.extractor.Pool().Acquire(probeCtx); err == nil {
		r.extractor.Pool().Release()
		h.Backend = true
	} else {
		h.Detail = "backend: " + err.Error()
	}

	if err := probeDir(r.renderer.DataDir()); err == nil {
		h.DataDir = true
	} else {
		h.Detail = appendDetail(h.Detail, "data dir: "+err.Error())
	}

	if r.store != nil {
		if err := r.store.Ping(probeCtx); err != nil {
			h.Registry = false
			h.Detail = appendDetail(h.Detail, "registry: "+err.Error())
		}
	}
	return h
}

func probeDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func appendDetail(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
