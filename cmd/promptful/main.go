// Promptful is a prompt template library.
//
// It stores reusable prompts with {variable} placeholders, renders them
// with supplied values, imports and exports CSV, and serves the library
// over an HTTP API that another Promptful instance can mirror to.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one the
// built-in defaults apply.
//
// Usage:
//
//	promptful serve                  Start the API server
//	promptful init [dir]             Initialize a working directory
//	promptful list                   List prompts
//	promptful search <text>          Search prompts
//	promptful show <id>              Show one prompt
//	promptful add -title T ...       Add a prompt
//	promptful edit <id> ...          Edit a prompt
//	promptful rm <id>                Delete a prompt
//	promptful use <id> [k=v ...]     Render a prompt and count the use
//	promptful import <file>          Import a .csv or .md file
//	promptful export [file]          Export the library as CSV
//	promptful models|categories      List the tags in use
//	promptful schema                 Print the prompt JSON Schema
//	promptful version                Print version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/promptful/internal/api"
	"github.com/nugget/promptful/internal/buildinfo"
	"github.com/nugget/promptful/internal/config"
	"github.com/nugget/promptful/internal/events"
	"github.com/nugget/promptful/internal/httpkit"
	"github.com/nugget/promptful/internal/inbox"
	"github.com/nugget/promptful/internal/ingest"
	"github.com/nugget/promptful/internal/kvstore"
	"github.com/nugget/promptful/internal/library"
	"github.com/nugget/promptful/internal/remote"
	"github.com/nugget/promptful/internal/search"
)

// libraryNamespace is the kvstore namespace holding the collection.
const libraryNamespace = "library"

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globals are the flags accepted before the subcommand.
type globals struct {
	configPath string
	outputFmt  string // "text" or "json"
	remoteURL  string // operate on a remote server instead of the local store
}

// run is the real entry point. Structured logs and command output go to
// stdout; warnings for the user go to stderr. Arguments are parsed by
// hand because the flag package relies on package-level globals, which
// would keep run from being called concurrently in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var g globals
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			g.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			g.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			g.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			g.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			g.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-remote" && i+1 < len(args):
			g.remoteURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-remote="):
			g.remoteURL = strings.TrimPrefix(args[i], "-remote=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if g.outputFmt == "" {
		g.outputFmt = "text"
	}
	if g.outputFmt != "text" && g.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", g.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, g.configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "list", "ls":
		return runList(ctx, stdout, stderr, g, cmdArgs)
	case "search":
		return runSearch(ctx, stdout, stderr, g, cmdArgs)
	case "show":
		return runShow(ctx, stdout, stderr, g, cmdArgs)
	case "add":
		return runAdd(ctx, stdout, stderr, g, cmdArgs)
	case "edit":
		return runEdit(ctx, stdout, stderr, g, cmdArgs)
	case "rm", "delete":
		return runRemove(ctx, stdout, stderr, g, cmdArgs)
	case "use", "copy":
		return runUse(ctx, stdout, stderr, g, cmdArgs)
	case "import":
		return runImport(stdout, stderr, g, cmdArgs)
	case "export":
		return runExport(ctx, stdout, stderr, g, cmdArgs)
	case "models", "categories":
		return runTags(ctx, stdout, stderr, g, command)
	case "schema":
		return runSchema(stdout)
	case "version":
		return runVersion(stdout, g.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func runSchema(w io.Writer) error {
	raw, err := library.DraftSchemaJSON()
	if err != nil {
		return fmt.Errorf("build schema: %w", err)
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Promptful - prompt template library")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: promptful [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server")
	fmt.Fprintln(w, "  init [dir]                Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  list [-ai M] [-category C] [-sort usage|title|created|model] [-reverse]")
	fmt.Fprintln(w, "  search <text> [-ai M] [-fulltext]")
	fmt.Fprintln(w, "  show <id>")
	fmt.Fprintln(w, "  add -title T (-content C | -file F) -ai M1,M2 [-category C]")
	fmt.Fprintln(w, "  edit <id> [-title T] [-content C | -file F] [-ai M1,M2] [-category C] [-remove-var V]")
	fmt.Fprintln(w, "  rm <id> | rm -all")
	fmt.Fprintln(w, "  use <id> [name=value ...]  Render a prompt and count the use")
	fmt.Fprintln(w, "  models | categories       List the tags in use")
	fmt.Fprintln(w, "  import <file.csv|file.md> ...")
	fmt.Fprintln(w, "  export [file]             Write CSV to file (default: stdout)")
	fmt.Fprintln(w, "  schema                    Print the JSON Schema for new prompts")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -remote <url>     Operate on a remote Promptful server")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe handles the "promptful serve" subcommand: it opens the store,
// starts the optional search index, remote mirror and inbox watcher,
// and serves the API until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. Background goroutines exit and the store is closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Promptful", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// The initial Info-level text logger covers the banner only.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"store", cfg.StorePath(),
		"driver", cfg.Store.Driver,
	)

	bus := events.New()
	store, repo, err := openLibrary(cfg, bus, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("prompt library opened", "prompts", repo.Len())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logger.Debug("background task stopped", "task", name)
		}()
	}

	importer := ingest.NewImporter(repo, importDefaults(cfg), logger)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, repo, importer, logger)
	server.SetBus(bus)

	// --- Full-text search ---
	if cfg.Search.Enabled {
		idx, err := search.NewIndex(logger)
		if err != nil {
			return err
		}
		defer idx.Close()
		server.SetIndex(idx)
		background("search", func() { idx.Follow(ctx, bus, repo) })
	} else {
		logger.Info("full-text search disabled")
	}

	// --- Remote server ---
	if cfg.Remote.URL != "" {
		client, err := newRemoteClient(cfg, cfg.Remote.URL, logger)
		if err != nil {
			return err
		}
		health := remote.NewHealth(client, remote.DefaultBackoff(), bus, logger)
		server.SetRemoteStatus(func() any { return health.Status() })

		if cfg.Remote.Mirror {
			mirror := remote.NewMirror(client, repo, store, bus, logger)
			health.OnReady = func() {
				if err := mirror.Reconcile(ctx); err != nil {
					logger.Error("remote reconcile failed", "error", err)
				}
			}
			background("mirror", func() { mirror.Run(ctx) })
			logger.Info("remote mirror enabled", "url", client.BaseURL())
		}
		background("remote health", func() { health.Run(ctx) })
	}

	// --- Inbox ---
	if cfg.Inbox.Dir != "" {
		w := inbox.New(cfg.Inbox.Dir, cfg.Inbox.Debounce, importer, bus, logger)
		background("inbox", func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("inbox watcher failed", "error", err)
			}
		})
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "error", err)
		}
	}()

	// Start blocks until the server is shut down or fails to listen.
	err = server.Start(ctx)
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Promptful stopped")
	return nil
}

// openLibrary opens the configured store and hydrates the repository.
func openLibrary(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*kvstore.Store, *library.Repository, error) {
	path := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := kvstore.Open(cfg.Store.Driver, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store %s: %w", path, err)
	}
	repo := library.New(kvstore.NewBlob(store, libraryNamespace, logger),
		library.WithKey(cfg.Store.Key),
		library.WithDefaultCategory(cfg.Defaults.Category),
		library.WithBus(bus),
		library.WithLogger(logger),
	)
	return store, repo, nil
}

func importDefaults(cfg *config.Config) library.ImportDefaults {
	return library.ImportDefaults{
		Model:    cfg.Defaults.ImportModel,
		Category: cfg.Defaults.ImportCategory,
	}
}

// newRemoteClient builds a client for url with the configured timeout
// and dial retry.
func newRemoteClient(cfg *config.Config, url string, logger *slog.Logger) (*remote.Client, error) {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(cfg.Remote.Timeout),
		httpkit.WithRetry(cfg.Remote.RetryCount, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if cfg.Remote.UserAgent != "" {
		opts = append(opts, httpkit.WithUserAgent(cfg.Remote.UserAgent))
	}
	hc := httpkit.NewClient(opts...)
	return remote.NewClient(url, hc, logger)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration. Without
// an explicit path and with no file in the search paths, the built-in
// defaults are used. A .env file next to the config (or in the working
// directory) is loaded first so ${VAR} references can use it.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		if err := config.LoadDotEnv(".env"); err != nil {
			return nil, "", err
		}
		cfg := config.Default()
		return cfg, "(defaults)", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}

	if err := config.LoadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, cfgPath, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
