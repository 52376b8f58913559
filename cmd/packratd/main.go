// packratd is the storage controller daemon.
//
// It is normally launched by the supervisor (internal/supervisor), which
// passes the three control queues as inherited file descriptors: status
// (3), completion (4), shutdown (5). The daemon opens the record channel,
// publishes its bound address on the status queue, and consumes records
// until told to shut down.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/packrat/internal/controller"
	"github.com/xtxerr/packrat/internal/ipc"
	"github.com/xtxerr/packrat/internal/loader"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/provider"
	"github.com/xtxerr/packrat/internal/provider/blobstore"
	"github.com/xtxerr/packrat/internal/provider/duckstore"
	"github.com/xtxerr/packrat/internal/provider/memstore"
	"github.com/xtxerr/packrat/internal/provider/parquetstore"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path")
	listen := flag.String("listen", "", "record channel listen address (overrides config)")
	backend := flag.String("structured", "", "structured backend: duckdb, parquet, memory (overrides config)")
	dbPath := flag.String("db", "", "duckdb database path (overrides config)")
	parquetDir := flag.String("parquet-dir", "", "parquet data directory (overrides config)")
	blobDir := flag.String("blob-dir", "", "blob store directory; enables unstructured storage")
	noContent := flag.Bool("no-content", false, "disable unstructured storage")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	// Load config
	cfg := loader.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := loader.Load(*cfgPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *backend != "" {
		cfg.Structured.Backend = *backend
	}
	if *dbPath != "" {
		cfg.Structured.DuckDB.Path = *dbPath
	}
	if *parquetDir != "" {
		cfg.Structured.Parquet.DataDir = *parquetDir
	}
	if *blobDir != "" {
		cfg.Unstructured.Enabled = true
		cfg.Unstructured.DataDir = *blobDir
	}
	if *noContent {
		cfg.Unstructured.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logJSON {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logging.Init(parseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("packratd")
	log.Info("packratd starting", "version", Version, "backend", cfg.Structured.Backend)

	// Control queues inherited from the supervisor
	status := ipc.NewSender(ipc.ChildFile(ipc.StatusFD, "status"))
	completion := ipc.NewSender(ipc.ChildFile(ipc.CompletionFD, "completion"))
	shutdown := ipc.NewReceiver[ipc.ShutdownSignal](ipc.ChildFile(ipc.ShutdownFD, "shutdown"))

	// Structured provider
	var structured provider.Structured
	switch cfg.Structured.Backend {
	case loader.BackendDuckDB:
		store, err := duckstore.New(duckstore.Options{
			Path:           cfg.Structured.DuckDB.Path,
			FlushBatchSize: cfg.Structured.FlushBatchSize,
		})
		if err != nil {
			log.Error("create duckdb provider", "error", err)
			os.Exit(1)
		}
		structured = store
	case loader.BackendParquet:
		store, err := parquetstore.New(parquetstore.Options{
			DataDir:        cfg.Structured.Parquet.DataDir,
			FlushBatchSize: cfg.Structured.FlushBatchSize,
		})
		if err != nil {
			log.Error("create parquet provider", "error", err)
			os.Exit(1)
		}
		structured = store
	case loader.BackendMemory:
		structured = memstore.NewStructured()
	}

	// Unstructured provider (optional)
	var unstructured provider.Unstructured
	if cfg.Unstructured.Enabled {
		blobs, err := blobstore.New(cfg.Unstructured.DataDir)
		if err != nil {
			log.Error("create blob store", "error", err)
			os.Exit(1)
		}
		unstructured = blobs
		log.Info("unstructured storage enabled", "dir", cfg.Unstructured.DataDir)
	} else {
		log.Info("unstructured storage disabled; page_content records will be dropped")
	}

	ctrl := controller.New(controller.Options{
		Structured:         structured,
		Unstructured:       unstructured,
		Status:             status,
		Completion:         completion,
		Shutdown:           shutdown,
		ListenAddress:      cfg.Listen,
		RecordQueueSize:    cfg.RecordQueueSize,
		StatusInterval:     cfg.Controller.StatusInterval.Duration(),
		BatchCommitTimeout: cfg.Controller.BatchCommitTimeout.Duration(),
		PollInterval:       cfg.Controller.PollInterval.Duration(),
		WriteConcurrency:   cfg.Controller.WriteConcurrency,
	})

	// Signals are an abrupt-shutdown path; the normal path is the
	// shutdown queue.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Run(ctx); err != nil {
		log.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
