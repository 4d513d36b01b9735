package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mythos-app/indexd/internal/api"
	"github.com/mythos-app/indexd/internal/config"
	"github.com/mythos-app/indexd/internal/embedding"
	"github.com/mythos-app/indexd/internal/index"
	"github.com/mythos-app/indexd/internal/pipeline"
	"github.com/mythos-app/indexd/internal/source"
	"github.com/mythos-app/indexd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the indexd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running indexd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "indexd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// loadValidatedConfig loads the config and rejects it unless the daemon can
// actually run with it. Client commands load without validating so they work
// before the source database is configured.
func loadValidatedConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// daemon bundles the wired sync pipeline.
type daemon struct {
	store    *storage.Store
	reader   *source.Reader
	embedder embedding.Client
	index    index.Store
	gate     *pipeline.Gate
	gc       *pipeline.GC
	runner   *pipeline.Runner
}

// buildDaemon opens the stores and wires the pipeline from config. The
// returned cleanup closes what was opened.
func buildDaemon(cfg config.Config, logger *slog.Logger) (*daemon, func(), error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	store.SetPolicy(storage.Policy{
		DebounceWindow: cfg.Sync.DebounceWindow,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffCap:     cfg.Sync.BackoffCap,
		LeaseTTL:       cfg.Sync.LeaseTTL,
	})

	reader, err := source.OpenReader(cfg.Source.DBPath)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("opening content store: %w", err)
	}

	embedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		reader.Close()
		store.Close()
		return nil, nil, err
	}
	idx := buildIndex(cfg.Index, store)

	executor := pipeline.NewExecutor(store, reader, embedder, idx)
	executor.SetLimits(pipeline.Limits{
		MaxChunkChars:        cfg.Sync.MaxChunkChars,
		EmbedBatchSize:       cfg.Embedding.BatchSize,
		MaxExistingChunkScan: cfg.Sync.MaxChunkScan,
	})
	executor.SetLogger(logger)

	gc := pipeline.NewGC(store, reader, cfg.GC.FailedRetention, cfg.GC.OrphanScanLimit)
	gc.SetLogger(logger)

	runner := pipeline.NewRunner(store, executor, gc)
	runner.SetSchedule(pipeline.Schedule{
		Workers:            cfg.Sync.Workers,
		PollInterval:       cfg.Sync.PollInterval,
		StaleCheckInterval: cfg.GC.StaleCheckInterval,
		CleanupInterval:    cfg.GC.CleanupInterval,
	})
	runner.SetLogger(logger)

	cleanup := func() {
		if err := reader.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing content store: %v\n", err)
		}
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}

	return &daemon{
		store:    store,
		reader:   reader,
		embedder: embedder,
		index:    idx,
		gate:     pipeline.NewGate(store, reader),
		gc:       gc,
		runner:   runner,
	}, cleanup, nil
}

func buildEmbedder(cfg config.EmbeddingConfig) (embedding.Client, error) {
	switch cfg.Provider {
	case "ollama":
		return embedding.NewOllama(cfg.BaseURL, cfg.Model, cfg.Dimension), nil
	case "openai":
		return embedding.NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}

func buildIndex(cfg config.IndexConfig, store *storage.Store) index.Store {
	if cfg.Backend == "http" {
		return index.NewHTTPStore(cfg.BaseURL, cfg.APIKey, cfg.Collection)
	}
	return index.NewSQLiteStore(store.DB())
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "indexd version %s\n", version)

	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, closeLogs := config.SetupLogger(cfg.Log.File, level)
	defer closeLogs()
	slog.SetDefault(logger)

	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("indexd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("indexd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, closeDaemon, err := buildDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDaemon()

	handler := api.NewHandler(api.Deps{
		Store:    d.store,
		Gate:     d.gate,
		Embedder: d.embedder,
		Index:    d.index,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start the sync workers.
	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- d.runner.Run(ctx)
	}()

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    d.store,
		Embedder: d.embedder,
		Index:    d.index,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "indexd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal, server error, or runner failure.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case err := <-runnerErr:
		if err != nil {
			return fmt.Errorf("sync runner error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("indexd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop indexd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to indexd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	printStatus("Index", "%s", cfg.Index.Backend)

	// Show queue stats if the daemon is running.
	if running {
		if token, tokenErr := config.EnsureAPIToken(cfg); tokenErr == nil {
			statsResp, err := apiGet(client, serverURL+"/v1/stats", token)
			if err == nil {
				var stats struct {
					Jobs struct {
						Pending    int `json:"pending"`
						Processing int `json:"processing"`
						Synced     int `json:"synced"`
						Failed     int `json:"failed"`
						Due        int `json:"due"`
					} `json:"jobs"`
					Points int `json:"points"`
				}
				if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
					printStatus("Jobs", "%d pending, %d processing, %d synced, %d failed",
						stats.Jobs.Pending, stats.Jobs.Processing, stats.Jobs.Synced, stats.Jobs.Failed)
					printStatus("Index points", "%d", stats.Points)
				}
				statsResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
