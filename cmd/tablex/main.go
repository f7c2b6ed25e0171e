package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/tablex-io/tablex/internal/accounts"
	"github.com/tablex-io/tablex/internal/extract"
	"github.com/tablex-io/tablex/internal/pipeline"
	"github.com/tablex-io/tablex/internal/rasterize"
	"github.com/tablex-io/tablex/internal/server"
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

	// Optional .env file for local development
	godotenv.Load()

	fs := ff.NewFlagSet("tablex")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dataDir        = fs.StringLong("data", "./data", "Directory for exported spreadsheets")
		backend        = fs.StringLong("backend", "bolt", "Accounts backend: 'bolt' or 'postgres'")
		dbPath         = fs.StringLong("db", "tablex.db", "BoltDB file path (bolt backend)")
		databaseURL    = fs.StringLong("database-url", "", "Postgres connection URL (postgres backend, or set DATABASE_URL env var)")
		modelType      = fs.StringLong("model", "gemini", "Model provider: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.0-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		workers        = fs.IntLong("workers", 4, "Concurrent page extractions per document")
		modelTimeout   = fs.DurationLong("model-timeout", 60*time.Second, "Timeout per model call")
		allowAnonymous = fs.BoolLong("allow-anonymous", "Allow unauthenticated requests as the local_user account")
		adminUser      = fs.StringLong("admin-user", "", "Bootstrap admin username (optional)")
		adminPass      = fs.StringLong("admin-pass", "", "Bootstrap admin password (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("TABLEX"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize accounts store
	var store accounts.Store
	var err error
	switch *backend {
	case "bolt":
		slog.Info("Initializing bolt store...", "path", *dbPath)
		store, err = accounts.NewBoltStore(*dbPath)
		if err != nil {
			slog.Error("Failed to initialize bolt store", "error", err)
			os.Exit(1)
		}
	case "postgres":
		url := *databaseURL
		if url == "" {
			url = os.Getenv("DATABASE_URL")
		}
		if url == "" {
			slog.Error("Postgres backend requires --database-url flag or DATABASE_URL environment variable")
			os.Exit(1)
		}
		slog.Info("Connecting to postgres...")
		store, err = accounts.NewPostgresStore(ctx, url)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid backend", "backend", *backend, "valid", "bolt or postgres")
		os.Exit(1)
	}
	defer store.Close()

	// Initialize model based on type
	var model extract.Model
	switch *modelType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini model...", "model", *geminiModel)
		model, err = extract.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama model...", "url", *ollamaURL, "model", *ollamaModel)
		model, err = extract.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid model provider", "type", *modelType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer model.Close()

	// Bootstrap accounts
	if *adminUser != "" && *adminPass != "" {
		err := store.Register(ctx, accounts.User{Username: *adminUser, Role: accounts.RoleAdmin}, *adminPass)
		if err != nil && !errors.Is(err, accounts.ErrUserExists) {
			slog.Error("Failed to bootstrap admin account", "error", err)
			os.Exit(1)
		}
	}
	if *allowAnonymous {
		if err := store.EnsureUser(ctx, server.AnonymousUser, "Local User", accounts.RoleUser); err != nil {
			slog.Error("Failed to create anonymous account", "error", err)
			os.Exit(1)
		}
	}

	// Ensure the export directory exists
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		slog.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}

	// Wire the pipeline and server
	extractor := extract.NewExtractor(model, *modelTimeout)
	pipe := pipeline.New(extractor, store, *workers)
	srv := server.New(rasterize.Rasterize, pipe, store, store, *dataDir, *allowAnonymous)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *allowAnonymous {
		slog.Info("Anonymous access enabled", "user", server.AnonymousUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
