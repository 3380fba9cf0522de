// Orcabot is an unattended Facebook Messenger bot.
//
// It signs in with session cookies, speaks Messenger's MQTT-over-WebSocket
// gateway protocol, and fans every inbound event through a handler chain:
// prefix commands, media-link resolution, ping, and an AI reply pipeline
// backed by Gemini. Conversations persist to SQLite and a small HTTP
// control plane serves metrics, a dashboard, and runtime configuration.
//
// Usage:
//
//	orcabot serve            Connect and run until signalled
//	orcabot version          Print version and build information
//	orcabot -o json version  Output version information as JSON
//
// Configuration comes from a .env file merged with the process
// environment; real environment variables win. See -env to point at a
// file other than ./.env.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/orcabot/orcabot/internal/buildinfo"
	"github.com/orcabot/orcabot/internal/commands"
	"github.com/orcabot/orcabot/internal/config"
	"github.com/orcabot/orcabot/internal/control"
	"github.com/orcabot/orcabot/internal/dispatch"
	"github.com/orcabot/orcabot/internal/envfile"
	"github.com/orcabot/orcabot/internal/handlers"
	"github.com/orcabot/orcabot/internal/llm"
	"github.com/orcabot/orcabot/internal/media"
	"github.com/orcabot/orcabot/internal/messenger"
	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/pipeline"
	"github.com/orcabot/orcabot/internal/search"
	"github.com/orcabot/orcabot/internal/store"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the orcabot command. All OS-level
// dependencies arrive as parameters: ctx bounds the process lifetime,
// stdout and stderr receive program output, args is os.Args[1:].
//
// Arguments are parsed by hand. The flag package relies on package-level
// globals (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the surface here is two flags and two
// commands.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	envPath := ".env"
	outputFmt := "text"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-env" && i+1 < len(args):
			envPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-env="):
			envPath = strings.TrimPrefix(args[i], "-env=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, envPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe is the primary operating mode: load configuration, open the
// store, build the handler chain, connect to Messenger, and pump events
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT, SIGTERM, or the auto-restart timer cancels the context
//  2. The dispatcher drains in-flight handlers (up to 10s)
//  3. The transport disconnects and the control plane stops
//  4. The store closes via defer
func runServe(ctx context.Context, stdout io.Writer, envPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	// Merge the .env file under the process environment before the
	// config snapshot is taken.
	if err := envfile.Load(envPath); err != nil {
		return err
	}

	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The bootstrap Info-level text logger only covers config
	// loading itself.
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("invalid LOG_LEVEL, keeping info", "value", cfg.LogLevel)
		level = slog.LevelInfo
	}
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("starting orcabot",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"self_id", cfg.SelfID(),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Metrics ---
	// One registry feeds the control plane and every component counter.
	// The sampler watches heap pressure and runs registered relief
	// callbacks.
	reg := metrics.NewRegistry()
	sampler := metrics.NewSampler(reg, logger)
	go sampler.Run(ctx)

	// --- Store ---
	// Single SQLite connection; all persistence serializes through it.
	// The maintenance loop checkpoints the WAL and prunes old messages.
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()
	go st.RunMaintenance(ctx)

	// --- LLM provider ---
	// Optional. Without it the analyzer falls back to heuristics and
	// the ai-chat handler stays out of the chain.
	var llmClient llm.Client
	if cfg.GeminiEnabled {
		llmClient = llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		logger.Info("gemini provider configured", "model", cfg.GeminiModel)
	} else {
		logger.Info("LLM disabled, conversational replies off")
	}

	// --- Web search ---
	// Optional context source for the reply pipeline. config.Load has
	// already verified the provider's credentials exist.
	var searchFn pipeline.SearchFunc
	if cfg.SearchProvider != "" {
		mgr := search.NewManager(cfg.SearchProvider)
		switch cfg.SearchProvider {
		case "brave":
			mgr.Register(search.NewBrave(cfg.BraveAPIKey))
		case "searxng":
			mgr.Register(search.NewSearXNG(cfg.SearXNGURL))
		}
		searchFn = search.ReplyHook(mgr, 5, logger)
		logger.Info("web search configured", "provider", cfg.SearchProvider)
	}

	// --- Reply pipeline ---
	pipe := pipeline.New(pipeline.Config{
		Store:   st,
		LLM:     llmClient,
		Metrics: reg,
		Logger:  logger,
		Search:  searchFn,
	})
	// Heap pressure empties the conversation context cache.
	sampler.OnPressure(pipe.Loader().Flush)

	// --- Messenger client ---
	client, err := messenger.New(messenger.Config{
		Cookies:        cfg.Cookies,
		UserAgent:      buildinfo.UserAgent(),
		EnableE2EE:     cfg.EnableE2EE,
		E2EEMemoryOnly: cfg.E2EEMemoryOnly,
		AutoReconnect:  cfg.AutoReconnect,
		DeviceData:     []byte(cfg.DeviceData),
		DeviceDataPath: cfg.DeviceDataPath,
		SendRatePerSec: cfg.SendRatePerSec,
		Logger:         logger,
		Metrics:        reg,
	})
	if err != nil {
		return fmt.Errorf("messenger client: %w", err)
	}

	// --- Handler chain ---
	// First match wins: commands, then media links, ping, ai-chat.
	registry := commands.NewRegistry(st, reg, logger)
	resolver := media.NewResolver(buildinfo.UserAgent(), logger)
	aiChat := handlers.NewAIChat(pipe, st, logger)
	if searchFn != nil {
		aiChat.EnableSearch()
	}
	chain := handlers.Chain(
		handlers.NewCommand(registry, st, logger),
		handlers.NewMediaLink(resolver, logger),
		aiChat,
	)

	// --- Dispatcher ---
	d := dispatch.New(dispatch.Config{
		Handlers:       chain,
		API:            client,
		Store:          st,
		Metrics:        reg,
		Logger:         logger,
		SelfID:         client.SelfID(),
		MaxConcurrent:  cfg.MaxConcurrentHandlers,
		HandlerTimeout: cfg.HandlerTimeout,
		CacheSize:      cfg.IdempotencyCacheSize,
	})

	// --- Control plane ---
	// A busy port or failed listen never takes the bot down; it keeps
	// running headless.
	ctl := control.New(control.Config{
		Port:    cfg.MetricsPort,
		Store:   st,
		Metrics: reg,
		Logger:  logger,
		EnvPath: envPath,
	})
	if err := ctl.Start(); err != nil {
		logger.Error("control plane failed to start, continuing without it", "error", err)
	}

	// --- Auto-restart ---
	// Long-lived Messenger sessions accumulate drift; a supervisor
	// restart with fresh state is cheaper than diagnosing it. Exit 0 is
	// the signal that this shutdown was intentional.
	if cfg.AutoRestartMinutes > 0 {
		window := time.Duration(cfg.AutoRestartMinutes) * time.Minute
		timer := time.AfterFunc(window, func() {
			logger.Info("auto-restart window elapsed, shutting down for supervisor restart",
				"minutes", cfg.AutoRestartMinutes)
			stop()
		})
		defer timer.Stop()
	}

	// --- Connect ---
	session, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("session established",
		"self_id", session.UserID,
		"seq", session.SeqID,
		"e2ee", session.E2EE,
	)

	// Pump events into the dispatcher until the context is cancelled.
	d.Run(ctx, client.Events())

	logger.Info("shutting down")
	d.Shutdown()
	if err := client.Disconnect(); err != nil {
		logger.Error("disconnect failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown failed", "error", err)
	}

	logger.Info("orcabot stopped")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Orcabot - Unattended Facebook Messenger Bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: orcabot [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Connect to Messenger and run until signalled")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -env <path>       Path to .env file (default: ./.env)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Credentials come from FB_COOKIES or FB_C_USER+FB_XS in the")
	fmt.Fprintln(w, "environment or the .env file. The process environment wins.")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All orcabot output goes through slog; this helper
// standardizes the handler configuration.
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
