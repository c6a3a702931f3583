// Package app wires the tablesync server runtime: config, logging, document store,
// session registry, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"tablesync/cmd/internal/auth"
	"tablesync/cmd/internal/game"
	"tablesync/cmd/internal/gameapi"
	"tablesync/cmd/internal/realtime"
)

// App is the tablesync server runtime. It owns the store, the registry and the HTTP server.
type App struct {
	cfg Config
	log Logger

	store    openedStore
	metrics  *prometheus.Registry
	registry *game.Registry
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	api      *gameapi.Handler
	janitor  *game.Janitor

	draining atomic.Bool
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	tokens, err := auth.NewJWTManager(auth.Config{
		Issuer:         cfg.JWTIssuer,
		Secret:         []byte(cfg.JWTSecret),
		AccessTokenTTL: cfg.AccessTokenTTL,
		ClockSkew:      cfg.JWTClockSkew,
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := realtime.NewHub(log, realtime.HubOptions{
		ExcludeOriginator: cfg.ExcludeOriginator,
		Metrics:           realtime.NewMetrics(reg),
	})

	registry := game.NewRegistry(log, st, game.Options{
		FlushDelay:   cfg.FlushDelay,
		FlushTimeout: cfg.FlushTimeout,
		IdleTimeout:  cfg.SessionIdle,
		LoadTimeout:  cfg.LoadTimeout,
		Fanout:       hub,
		Metrics:      game.NewMetrics(reg),
		Tracer:       otel.Tracer("tablesync/game"),
	})

	ws := realtime.NewWSGateway(log, hub, registry, tokens, realtime.GatewayConfig{
		DevInsecure:      cfg.WSDevInsecure,
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		SendQueueSize:    cfg.WSSendQueueSize,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  reg,
		registry: registry,
		hub:      hub,
		ws:       ws,
		api:      gameapi.NewHandler(log, registry, tokens, cfg.RequestTimeout),
		janitor:  game.NewJanitor(log, st, registry, cfg.Retention),
	}, nil
}

// Run starts the HTTP server and background loops, and blocks until ctx is cancelled
// or the server fails. On the way out every dirty session is flushed before the store closes.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.registry.RunSweeper(loopCtx, a.cfg.SweepInterval)
	}()
	go func() {
		defer loops.Done()
		a.janitor.Run(loopCtx, a.cfg.PurgeInterval)
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.store.driver)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	a.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 20*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	stopLoops()
	loops.Wait()

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// registry closes their games after the final flush.
	if err := a.registry.Close(shutdownCtx); err != nil {
		a.log.Error("registry.close.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) pingStore(parent context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return a.store.Ping(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
