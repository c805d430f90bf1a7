// Package render serialises aggregate reports into persisted artifacts.
//
// Output is deterministic for a fixed report: columns follow group-by order
// then metric order, rows keep the report's canonical ordering. Artifacts are
// written temp-then-rename under the data directory with a content-hash name,
// so concurrent runs never collide and a failed write never leaves a partial
// file visible under its final name.
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/relato/aggregate"
)

// ErrRenderFailed covers unsupported formats and write failures. Fatal to the
// run.
var ErrRenderFailed = errors.New("render failed")

// Format is a report output format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatMD   Format = "md"
)

// ParseFormat validates a requested format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON, FormatHTML, FormatMD:
		return Format(s), nil
	case "":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unsupported format %q: %w", s, ErrRenderFailed)
}

// Artifact is a persisted report: immutable once created, retained until an
// external cleanup policy removes it.
type Artifact struct {
	Path      string    `json:"path"`
	Format    Format    `json:"format"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"` // blake2b-256, hex
	CreatedAt time.Time `json:"created_at"`
}

// Config configures a Renderer.
type Config struct {
	// DataDir is the root of the persisted data directory. Reports land
	// under DataDir/reports. The renderer assumes nothing else is writable.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer serialises reports and persists artifacts.
type Renderer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Renderer.
func New(cfg Config) *Renderer {
	cfg.defaults()
	return &Renderer{cfg: cfg, logger: cfg.Logger}
}

// DataDir returns the artifact root directory.
func (r *Renderer) DataDir() string {
	return filepath.Join(r.cfg.DataDir, "reports")
}

// Render serialises rep into format and persists it.
func (r *Renderer) Render(rep *aggregate.Report, format Format) (*Artifact, error) {
	payload, err := Encode(rep, format)
	if err != nil {
		return nil, err
	}

	sum := blake2b.Sum256(payload)
	hash := fmt.Sprintf("%x", sum)

	name := rep.Name
	if name == "" {
		name = "report"
	}
	filename := fmt.Sprintf("%s_%s_%s.%s",
		name,
		time.Now().UTC().Format("20060102T150405Z"),
		hash[:12],
		format)

	dir := filepath.Join(r.cfg.DataDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w: %w", dir, err, ErrRenderFailed)
	}
	final := filepath.Join(dir, filename)

	if err := writeAtomic(final, payload); err != nil {
		return nil, fmt.Errorf("write %s: %w: %w", final, err, ErrRenderFailed)
	}

	r.logger.Debug("artifact written", "path", final, "bytes", len(payload), "format", format)
	return &Artifact{
		Path:      final,
		Format:    format,
		Size:      int64(len(payload)),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// writeAtomic writes to a temp file in the target directory, fsyncs, then
// renames onto the final path.
func writeAtomic(final string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), final)
}

// columns returns the report's output column order: group keys, then
// metrics, then per-metric null counters.
func columns(rep *aggregate.Report) (keys, metrics, nulls []string) {
	keys = append(keys, rep.GroupBy...)
	for _, m := range rep.Metrics {
		metrics = append(metrics, m)
		nulls = append(nulls, m+"_nulls")
	}
	return keys, metrics, nulls
}
