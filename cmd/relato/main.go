// Command relato serves the report-generation pipeline over HTTP: upload
// documents, extract their tables, aggregate per a declared schema and
// download the resulting artifact. An optional MCP stdio transport exposes
// the same pipeline as tools.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/relato/pipeline"
	"github.com/hazyhaar/relato/runstore"
	"github.com/hazyhaar/relato/schema"
)

func main() {
	port := env("PORT", "8090")
	dataDir := env("DATA_DIR", "data")
	schemaDir := env("SCHEMA_DIR", "schemas")
	registryPath := env("REGISTRY_DB", "db/registry.db")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Schema registry.
	schemas, err := schema.LoadDir(schemaDir)
	if err != nil {
		slog.Error("load schemas", "dir", schemaDir, "error", err)
		os.Exit(1)
	}
	slog.Info("schemas loaded", "count", len(schemas.Names()), "names", schemas.Names())

	// Run registry.
	db, err := runstore.Open(registryPath)
	if err != nil {
		slog.Error("registry db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	store := runstore.NewStore(db)
	if err := store.Init(ctx); err != nil {
		slog.Error("registry init", "error", err)
		os.Exit(1)
	}

	runner := pipeline.New(pipeline.Config{
		Schemas:        schemas,
		Store:          store,
		DataDir:        dataDir,
		MaxFileSize:    int64(envInt("MAX_UPLOAD_MB", 50)) * 1024 * 1024,
		ExtractWorkers: envInt("EXTRACT_WORKERS", 4),
		PageTimeout:    time.Duration(envInt("PAGE_TIMEOUT_MS", 30_000)) * time.Millisecond,
		Logger:         logger,
	})

	// Optional MCP stdio transport.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "relato",
			Version: "1.0.0",
		}, nil)
		runner.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
		slog.Info("MCP stdio transport started")
	}

	// Router.
	h := &handlers{runner: runner, store: store, schemas: schemas}
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Get("/api/schemas", h.listSchemas)
	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", h.createRun)
		r.Get("/", h.listRuns)
		r.Get("/{runID}", h.getRun)
		r.Get("/{runID}/report", h.downloadReport)
		r.Get("/{runID}/preview", h.previewReport)
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute, // runs are synchronous
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
