package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/receipt-pipeline/internal/enrichment"
	"github.com/zombor/receipt-pipeline/internal/extraction"
	"github.com/zombor/receipt-pipeline/internal/feed"
	"github.com/zombor/receipt-pipeline/internal/gateway"
	"github.com/zombor/receipt-pipeline/internal/invoke"
	"github.com/zombor/receipt-pipeline/internal/receipt"
	"github.com/zombor/receipt-pipeline/internal/scanning"
	"github.com/zombor/receipt-pipeline/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("receipt-pipeline")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		store           = fs.StringLong("store", "bolt", "Record store: 'bolt', 'sqlite' or 'postgres'")
		dbPath          = fs.StringLong("db", "receipt-pipeline.db", "Database file path (bolt and sqlite)")
		dsn             = fs.StringLong("dsn", "", "Postgres connection string")
		storagePath     = fs.StringLong("storage", "./receipts", "Storage directory path")
		publicURL       = fs.StringLong("public-url", "/files", "Base URL stored images are served under")
		scannerType     = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey       = fs.StringLong("gemini-key", "", "Server-wide Gemini API key used when a user has none (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		authUser        = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass        = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		functionsURL    = fs.StringLong("functions-url", "", "Base URL of a remote function host; empty runs functions in-process")
		functionSecret  = fs.StringLong("function-secret", "", "Bearer secret for /functions/v1/ (optional)")
		functionTimeout = fs.DurationLong("function-timeout", invoke.DefaultTimeout, "Execution time limit per function run")
		staleAfter      = fs.DurationLong("stale-after", 10*time.Minute, "Fail receipts still processing after this long")
		reapInterval    = fs.DurationLong("reap-interval", time.Minute, "How often to look for stale receipts")
		feedBuffer      = fs.IntLong("feed-buffer", feed.DefaultBuffer, "Queued change events per subscriber")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_PIPELINE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize database
	slog.Info("Initializing database...", "store", *store)
	base, err := openStore(*store, *dbPath, *dsn)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer base.Close()

	broker := feed.NewBroker(*feedBuffer, slog.Default())
	db := receipt.NewNotifyingDB(base, broker)

	// Initialize scanner based on type
	var opener scanning.Opener
	switch *scannerType {
	case "gemini":
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		opener = scanning.GeminiOpener(*geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		ollama, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
		opener = scanning.OllamaOpener(ollama)
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}

	fallbackKey := *geminiKey
	if fallbackKey == "" {
		fallbackKey = os.Getenv("GEMINI_API_KEY")
	}
	if *scannerType == "ollama" && fallbackKey == "" {
		// Ollama ignores the key but extraction still requires one to be resolvable
		fallbackKey = "ollama"
	}
	creds := receipt.NewKeyResolver(base, fallbackKey)

	// Initialize storage
	slog.Info("Initializing storage...")
	objects, err := receipt.NewLocalStorage(*storagePath, *publicURL)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Function host: handlers always run in-process, dispatch may go over HTTP
	runner := invoke.NewRunner(invoke.WithTimeout(*functionTimeout), invoke.WithLogger(slog.Default()))
	local := invoke.NewLocalInvoker(runner)
	var dispatcher invoke.Invoker = local
	if *functionsURL != "" {
		slog.Info("Dispatching functions over HTTP", "url", *functionsURL)
		dispatcher = invoke.NewHTTPInvoker(*functionsURL, *functionSecret)
	}

	worker := extraction.NewWorker(db, objects, creds, opener, dispatcher)
	stage := enrichment.NewStage(db, creds, opener)
	local.Register(invoke.ProcessReceipt, worker.Process)
	local.Register(invoke.ComparePrices, stage.CompareReceipt)

	gw := gateway.New(db, objects, dispatcher, gateway.NewSubscriptions(broker, slog.Default()))

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.New(server.Deps{
		DB:        db,
		Storage:   objects,
		Submitter: gw,
		Comparer:  stage,
		Feed:      broker,
		Functions: local,
	}, basicAuth, *functionSecret)

	reaper := extraction.NewReaper(db, *staleAfter, *reapInterval, slog.Default())

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, fmt.Sprintf(":%d", *port))
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})

	runErr := g.Wait()

	slog.Info("Shutting down...")
	drainCtx, cancel := context.WithTimeout(context.Background(), *functionTimeout)
	defer cancel()
	if err := runner.Wait(drainCtx); err != nil {
		slog.Warn("Functions still running at shutdown", "error", err)
	}

	if runErr != nil {
		slog.Error("Server error", "error", runErr)
		os.Exit(1)
	}
}

func openStore(kind, path, dsn string) (receipt.DB, error) {
	switch kind {
	case "bolt":
		return receipt.NewBoltDB(path)
	case "sqlite":
		if dsn == "" {
			dsn = path
		}
		return receipt.OpenGorm("sqlite", dsn)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("--dsn is required for postgres")
		}
		return receipt.OpenGorm("postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}
