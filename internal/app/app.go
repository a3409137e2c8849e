// Package app wires the Lexivision subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithStore, WithCache,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JPBrill/Lexivision/internal/config"
	"github.com/JPBrill/Lexivision/internal/engine"
	"github.com/JPBrill/Lexivision/internal/health"
	"github.com/JPBrill/Lexivision/internal/lexicon"
	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/internal/wordstore"
	"github.com/JPBrill/Lexivision/internal/wordstore/postgres"
	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/embeddings"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Live and Audio together enable practice sessions.
	Live  live.Transport
	Audio *audio.Devices

	// Text is required; the lexicon cannot work without it.
	Text  lexicon.TextGenerator
	Image lexicon.ImageGenerator
	Video lexicon.VideoGenerator

	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	cache          lexicon.Cache
	lexicon        *lexicon.Service
	store          wordstore.Store
	engine         *engine.Engine
	practice       *SessionManager
	checkers       []health.Checker
	handler        http.Handler
	onTurn         func(Turn)

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a word store instead of creating one from config.
func WithStore(s wordstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCache injects a definition cache instead of creating one from config.
func WithCache(c lexicon.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithTurnObserver receives every final practice turn.
func WithTurnObserver(fn func(Turn)) Option {
	return func(a *App) { a.onTurn = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: cache connection, lexicon
// construction, store connection and migration, practice engine assembly and
// HTTP routing. On failure everything opened so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Definition cache ──────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return fmt.Errorf("app: init cache: %w", err)
	}

	// ── 2. Lexicon ───────────────────────────────────────────────────────
	if err := a.initLexicon(); err != nil {
		return fmt.Errorf("app: init lexicon: %w", err)
	}

	// ── 3. Word store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Practice engine ───────────────────────────────────────────────
	a.initPractice()

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache connects to Redis when configured and falls back to process
// memory otherwise.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	cc := a.cfg.Lexicon.Cache
	if cc.RedisAddr == "" {
		a.cache = lexicon.NewMemoryCache()
		return nil
	}

	rc, err := lexicon.NewRedisCache(ctx, lexicon.RedisOptions{
		Addr:     cc.RedisAddr,
		Password: cc.RedisPassword,
		DB:       cc.RedisDB,
	})
	if err != nil {
		return err
	}
	a.cache = rc
	a.closers = append(a.closers, rc.Close)
	a.checkers = append(a.checkers, health.Checker{Name: "cache", Check: rc.Ping, Optional: true})
	slog.Info("definition cache connected", "addr", cc.RedisAddr)
	return nil
}

func (a *App) initLexicon() error {
	if a.providers.Text == nil {
		return errors.New("a text generator is required (lexicon.text)")
	}
	opts := []lexicon.Option{
		lexicon.WithCache(a.cache),
		lexicon.WithMetrics(a.metrics),
	}
	if a.cfg.Lexicon.Cache.TTL > 0 {
		opts = append(opts, lexicon.WithTTL(a.cfg.Lexicon.Cache.TTL))
	}
	if a.providers.Image != nil {
		opts = append(opts, lexicon.WithImageGenerator(a.providers.Image))
	}
	if a.providers.Video != nil {
		opts = append(opts, lexicon.WithVideoGenerator(a.providers.Video))
	}
	a.lexicon = lexicon.NewService(a.providers.Text, opts...)
	return nil
}

// initStore opens the PostgreSQL store when a DSN is configured, otherwise
// keeps words in memory.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Storage.PostgresDSN
		if dsn == "" {
			a.store = wordstore.NewMemStore()
			slog.Warn("storage.postgres_dsn is empty; words are kept in memory only")
		} else {
			dims := a.cfg.Storage.EmbeddingDimensions
			if e := a.providers.Embeddings; e != nil && e.Dimensions() != dims {
				return fmt.Errorf("embeddings model %s produces %d dimensions, storage expects %d",
					e.ModelID(), e.Dimensions(), dims)
			}
			store, err := postgres.NewStore(ctx, dsn, dims)
			if err != nil {
				return err
			}
			a.store = store
		}
	}
	store := a.store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	a.checkers = append(a.checkers, health.Func("store", store.Ping))
	return nil
}

// initPractice builds the engine and session manager when both a live
// transport and audio devices are available.
func (a *App) initPractice() {
	p := a.providers
	if p.Live == nil || p.Audio == nil {
		slog.Info("live practice disabled", "live", p.Live != nil, "audio", p.Audio != nil)
		return
	}

	lc := a.cfg.Live
	opts := []engine.Option{engine.WithMetrics(a.metrics)}
	if lc.Transport.Model != "" {
		opts = append(opts, engine.WithModel(lc.Transport.Model))
	}
	if lc.Voice != "" {
		opts = append(opts, engine.WithVoice(lc.Voice))
	}
	if lc.FrameSamples > 0 {
		opts = append(opts, engine.WithFrameSamples(lc.FrameSamples))
	}
	if lc.PendingFrames > 0 {
		opts = append(opts, engine.WithPendingLimit(lc.PendingFrames))
	}
	a.engine = engine.New(p.Live, p.Audio.Microphone, p.Audio.Speaker, opts...)
	a.practice = NewSessionManager(SessionManagerConfig{
		Engine:  a.engine,
		Store:   a.store,
		Metrics: a.metrics,
		OnTurn:  a.onTurn,
	})

	if p.Audio.Close != nil {
		a.closers = append(a.closers, p.Audio.Close)
	}
	a.closers = append(a.closers, a.practice.Close)

	if r, ok := p.Live.(interface{ Ready() bool }); ok {
		c := health.Ready("live", r.Ready, "every live transport circuit is open")
		c.Optional = true
		a.checkers = append(a.checkers, c)
	}
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api := &API{
		Lexicon:  a.lexicon,
		Store:    a.store,
		Embedder: a.providers.Embeddings,
		Practice: a.practice,
	}
	api.Register(mux)
	health.New(a.checkers...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API, health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Lexicon returns the definition and illustration service.
func (a *App) Lexicon() *lexicon.Service { return a.lexicon }

// Store returns the word store.
func (a *App) Store() wordstore.Store { return a.store }

// Practice returns the session manager, or nil when practice is disabled.
func (a *App) Practice() *SessionManager { return a.practice }

// SetVoice changes the tutor voice for sessions started afterwards. It is a
// no-op when practice is disabled.
func (a *App) SetVoice(voice string) {
	if a.engine != nil {
		a.engine.SetVoice(voice)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr until ctx is cancelled, then
// drains in-flight requests. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "practice", a.practice != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
