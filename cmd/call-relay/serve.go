package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/call-relay/pkg/relay/backend"
	"github.com/vango-go/call-relay/pkg/relay/cache"
	"github.com/vango-go/call-relay/pkg/relay/config"
	"github.com/vango-go/call-relay/pkg/relay/fallback"
	"github.com/vango-go/call-relay/pkg/relay/language"
	"github.com/vango-go/call-relay/pkg/relay/lifecycle"
	"github.com/vango-go/call-relay/pkg/relay/protocol"
	"github.com/vango-go/call-relay/pkg/relay/router"
	"github.com/vango-go/call-relay/pkg/relay/server"
	"github.com/vango-go/call-relay/pkg/relay/session"
	"github.com/vango-go/call-relay/pkg/relay/sessions"
	"github.com/vango-go/call-relay/pkg/relay/transcript"
	"github.com/vango-go/call-relay/pkg/relay/vad"
)

type collaborators struct {
	generator   backend.Generator
	transcriber backend.Transcriber
}

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	newBackend   func(context.Context, config.Config) (collaborators, error)
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		newBackend: newGeminiBackend,
		listen:     net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newGeminiBackend returns no collaborators without an API key; every turn
// then takes the fallback path.
func newGeminiBackend(ctx context.Context, cfg config.Config) (collaborators, error) {
	if cfg.GeminiAPIKey == "" {
		return collaborators{}, nil
	}
	g, err := backend.NewGemini(ctx, backend.GeminiConfig{
		APIKey:          cfg.GeminiAPIKey,
		Model:           cfg.GeminiModel,
		TranscribeModel: cfg.GeminiTranscribeModel,
		AudioMIMEType:   cfg.AudioMIMEType,
	})
	if err != nil {
		return collaborators{}, fmt.Errorf("init gemini: %w", err)
	}
	return collaborators{generator: g, transcriber: g}, nil
}

func newServeCommand(stderr io.Writer, deps serveDeps) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept relay connections until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stderr, deps, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides RELAY_ADDR)")
	return cmd
}

// relay is the assembled process: shared stores plus the HTTP surface.
type relay struct {
	cfg      config.Config
	logger   *slog.Logger
	life     *lifecycle.Lifecycle
	registry *sessions.Registry[*session.Session]
	cache    *cache.Cache
	store    *cache.Store
	archive  *transcript.Postgres
	server   *server.Server
}

func buildRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serveDeps) (_ *relay, err error) {
	r := &relay{cfg: cfg, logger: logger, life: &lifecycle.Lifecycle{}}
	defer func() {
		if err != nil {
			r.close()
		}
	}()

	lang := language.NewDefault()
	if cfg.LanguageProfilesPath != "" {
		if err := lang.LoadFile(cfg.LanguageProfilesPath); err != nil {
			return nil, err
		}
	}

	r.cache = cache.New(cache.Config{
		MaxSize:        cfg.CacheMaxSize,
		MaxAge:         cfg.CacheMaxAge,
		SweepInterval:  cfg.CacheSweepInterval,
		Threshold:      cfg.CacheThreshold,
		CandidateLimit: cfg.CacheCandidateLimit,
		Logger:         logger.With("component", "cache"),
	})
	if cfg.CacheDir != "" {
		r.store, err = cache.OpenStore(cache.StoreOptions{Dir: cfg.CacheDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		n, err := r.cache.LoadFrom(ctx, r.store)
		if err != nil {
			return nil, fmt.Errorf("restore cache: %w", err)
		}
		logger.Info("cache restored", "entries", n, "dir", cfg.CacheDir)
	}

	var archiver session.Archiver
	if cfg.DatabaseURL != "" {
		r.archive, err = transcript.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		archiver = r.archive
	}

	collab, err := deps.newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if collab.generator == nil {
		logger.Warn("no generation backend configured, callers will hear apologies", "hint", "set GEMINI_API_KEY")
	}
	fb := fallback.New(collab.generator, collab.transcriber, fallback.Config{
		Timeout: cfg.GenerationTimeout,
		Logger:  logger.With("component", "fallback"),
	})

	sessCfg := sessionConfig(cfg)
	factory := func(setup protocol.Setup, sink session.Sink) (*session.Session, error) {
		return session.New(session.Dependencies{
			ID:         setup.CallID,
			WorkflowID: setup.WorkflowID,
			TrackingID: setup.TrackingID,
			Language:   setup.Language,
			Sink:       sink,
			Cache:      r.cache,
			Optimizer:  lang,
			Fallback:   fb,
			Archiver:   archiver,
			Logger:     logger,
			Config:     sessCfg,
		})
	}

	r.registry = sessions.NewRegistry[*session.Session](logger.With("component", "sessions"))
	r.server = server.New(server.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Lifecycle: r.life,
		Registry:  r.registry,
		Router:    router.New(r.registry, factory, logger.With("component", "router")),
		Cache:     r.cache,
	})
	return r, nil
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		SilenceTimeout:          cfg.SilenceTimeout,
		MaxNudges:               cfg.MaxNudges,
		MaxConsecutiveFallbacks: cfg.MaxConsecutiveFallbacks,
		Greeting:                cfg.Greeting,
		VAD: vad.Config{
			MinSizeForSpeech:     cfg.VADMinSizeBytes,
			MinConsistentChunks:  cfg.VADMinChunks,
			MinDurationForSpeech: cfg.VADMinDuration,
			FallbackBytes:        cfg.VADFallbackBytes,
			MaxBufferBytes:       cfg.VADMaxBufferBytes,
			MaxChunks:            cfg.VADMaxChunks,
		},
	}
}

// close persists the cache and releases stores. Sessions must be drained
// first so their transcripts are archived.
func (r *relay) close() {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, err := r.cache.SaveTo(ctx, r.store)
		cancel()
		if err != nil {
			r.logger.Error("save cache snapshot", "error", err)
		} else {
			r.logger.Info("cache snapshot saved", "entries", n)
		}
		if err := r.store.Close(); err != nil {
			r.logger.Error("close cache store", "error", err)
		}
		r.store = nil
	}
	if r.archive != nil {
		r.archive.Close()
		r.archive = nil
	}
}

func (r *relay) shutdown(httpSrv *http.Server) error {
	r.server.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	r.server.CloseSessions("shutdown")
	waitCtx, waitCancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !r.server.WaitSessions(waitCtx) {
		r.logger.Warn("calls still running after grace period", "active_sessions", r.registry.Count())
	}
	return nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps serveDeps, addr string) error {
	if deps.loadConfig == nil || deps.newBackend == nil || deps.listen == nil {
		return errors.New("missing serve dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	logger := cfg.NewLogger(stderr)

	app, err := buildRelay(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer app.close()

	ln, err := deps.listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, app.server.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return app.registry.RunReaper(bgCtx, cfg.ReaperInterval, cfg.SessionIdleTimeout)
	})
	g.Go(func() error {
		return app.cache.Run(bgCtx)
	})
	g.Go(func() error {
		defer stopBackground()
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return app.shutdown(httpSrv)
	})

	app.life.MarkStarted()
	logger.Info("relay listening", "addr", ln.Addr().String())

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
