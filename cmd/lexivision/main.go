// Command lexivision is the entry point for the Lexivision vocabulary tutor.
//
// Usage:
//
//	lexivision [-config path] serve
//	lexivision [-config path] practice -word W [-mode conversation|pronunciation]
//	lexivision [-config path] define W
//	lexivision [-config path] suggest [-level beginner|intermediate|advanced]
//	lexivision [-config path] wotd
//	lexivision [-config path] mcp
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JPBrill/Lexivision/internal/app"
	"github.com/JPBrill/Lexivision/internal/config"
	"github.com/JPBrill/Lexivision/internal/engine"
	"github.com/JPBrill/Lexivision/internal/lexicon"
	"github.com/JPBrill/Lexivision/internal/mcpserver"
	"github.com/JPBrill/Lexivision/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("lexivision", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: lexivision [-config path] serve|practice|define|suggest|wotd|mcp [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cmd, cmdArgs := "serve", fs.Args()
	if len(cmdArgs) > 0 {
		cmd, cmdArgs = cmdArgs[0], cmdArgs[1:]
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "lexivision: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(stderr, "lexivision: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(stderr, level))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cmd {
	case "serve":
		runErr = serve(ctx, *configPath, cfg, level, stdout)
	case "practice":
		runErr = practice(ctx, cfg, cmdArgs, stderr)
	case "define", "suggest", "wotd":
		runErr = lookup(ctx, cfg, cmd, cmdArgs, stdout, stderr)
	case "mcp":
		runErr = serveMCP(ctx, cfg)
	default:
		fmt.Fprintf(stderr, "lexivision: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		if errors.Is(runErr, flag.ErrHelp) {
			return 2
		}
		slog.Error(cmd+" failed", "err", runErr)
		return 1
	}
	return 0
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(ctx context.Context, configPath string, cfg *config.Config, level *slog.LevelVar, stdout io.Writer) error {
	slog.Info("lexivision starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg, newRegistry(cfg), true)
	if err != nil {
		return err
	}

	printStartupSummary(stdout, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetricsHandler(tel.MetricsHandler))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, config.HotReload(level, application.SetVoice))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}

// ── practice ──────────────────────────────────────────────────────────────────

func practice(ctx context.Context, cfg *config.Config, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("practice", flag.ContinueOnError)
	fs.SetOutput(stderr)
	word := fs.String("word", "", "target word to practise (required)")
	modeFlag := fs.String("mode", "conversation", "conversation or pronunciation")
	user := fs.String("user", "", "user id to record the session under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode, err := engine.ParseMode(*modeFlag)
	if err != nil {
		return err
	}
	if *word == "" {
		return fmt.Errorf("%w: -word is required", engine.ErrInvalidWord)
	}

	providers, err := buildProviders(cfg, newRegistry(cfg), true)
	if err != nil {
		return err
	}
	printTurn := func(t app.Turn) {
		fmt.Fprintf(stderr, "%-6s %s\n", t.Speaker+":", t.Text)
	}
	application, err := app.New(ctx, cfg, providers, app.WithTurnObserver(printTurn))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	mgr := application.Practice()
	if mgr == nil {
		return errors.New("practice needs live.transport and audio to be configured")
	}
	if _, err := mgr.Start(ctx, *user, *word, mode); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "practising %q (%s); press Ctrl+C to stop\n", *word, mode)

	rec, err := mgr.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rec, err = mgr.Stop(sctx)
	}
	if err != nil {
		return err
	}
	if rec != nil {
		fmt.Fprintf(stderr, "session ended (%s): used %q %d time(s) in %d turn(s), %s\n",
			rec.EndReason, rec.Word, rec.TargetUses, rec.UserTurns, rec.EndedAt.Sub(rec.StartedAt).Round(time.Second))
	}
	return nil
}

// ── define / suggest / wotd ───────────────────────────────────────────────────

func lookup(ctx context.Context, cfg *config.Config, cmd string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	levelFlag := fs.String("level", "intermediate", "learner level for suggest")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lex, err := newLexicon(ctx, cfg)
	if err != nil {
		return err
	}

	var out any
	switch cmd {
	case "define":
		if fs.NArg() != 1 {
			return fmt.Errorf("%w: usage: lexivision define WORD", lexicon.ErrInvalidWord)
		}
		out, err = lex.Define(ctx, fs.Arg(0))
	case "suggest":
		level, perr := lexicon.ParseLevel(*levelFlag)
		if perr != nil {
			return perr
		}
		out = lex.Suggest(ctx, level)
	case "wotd":
		out, err = lex.WordOfTheDay(ctx)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// newLexicon builds a lexicon service from the lexicon section alone, with
// an in-process cache. It is used by the one-shot commands.
func newLexicon(ctx context.Context, cfg *config.Config) (*lexicon.Service, error) {
	providers, err := buildProviders(cfg, newRegistry(cfg), false)
	if err != nil {
		return nil, err
	}
	if providers.Text == nil {
		return nil, errors.New("lexicon.text is not configured")
	}
	opts := []lexicon.Option{lexicon.WithCache(lexicon.NewMemoryCache())}
	if providers.Image != nil {
		opts = append(opts, lexicon.WithImageGenerator(providers.Image))
	}
	return lexicon.NewService(providers.Text, opts...), nil
}

// ── mcp ───────────────────────────────────────────────────────────────────────

func serveMCP(ctx context.Context, cfg *config.Config) error {
	lex, err := newLexicon(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("serving MCP tools on stdio", "version", version)
	return mcpserver.New(lex, version).ServeStdio(ctx)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       Lexivision, startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "Live", cfg.Live.Transport.Name, cfg.Live.Transport.Model)
	fmt.Fprintf(w, "║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Live.Fallbacks))
	printProvider(w, "Audio", cfg.Audio.Name, "")
	printProvider(w, "Text", cfg.Lexicon.Text.Name, cfg.Lexicon.Text.Model)
	printProvider(w, "Image", cfg.Lexicon.Image.Name, cfg.Lexicon.Image.Model)
	printProvider(w, "Video", cfg.Lexicon.Video.Name, cfg.Lexicon.Video.Model)
	printProvider(w, "Embeddings", cfg.Storage.Embeddings.Name, cfg.Storage.Embeddings.Model)
	store := "memory"
	if cfg.Storage.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Store", store)
	cache := "memory"
	if cfg.Lexicon.Cache.RedisAddr != "" {
		cache = "redis"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Cache", cache)
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
