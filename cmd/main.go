package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"reportflow/internal/api"
	"reportflow/internal/config"
	"reportflow/internal/download"
	fileutil "reportflow/internal/file"
	"reportflow/internal/monitor"
	"reportflow/internal/orchestrator"
	"reportflow/internal/poller"
	"reportflow/internal/remote"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := fileutil.EnsureDir(cfg.DownloadDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DownloadDir).Msg("ensure download dir")
	}

	client, err := remote.NewClient(remote.Options{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Str("base_url", cfg.Remote.BaseURL).Msg("invalid remote config")
	}

	store := buildStore(cfg, client)
	router := setupRouter()
	api.NewAPI(store).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(baseCtx)

	g.Go(func() error {
		return store.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Str("remote", cfg.Remote.BaseURL).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		waitForShutdownSignal(gctx)
		gracefulShutdown(srv, baseCancel, store, shutdownTimeout)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server exited cleanly")
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildStore(cfg config.Config, client *remote.Client) *orchestrator.Store {
	stall := monitor.StallOptions{
		Threshold:     cfg.Stall.Threshold,
		CheckInterval: cfg.Stall.CheckInterval,
	}
	if cfg.Stall.ScaleByStage {
		stall.StageScale = monitor.DefaultStageScale()
	}

	return orchestrator.New(orchestrator.Options{
		Poll: poller.Options{
			BaseInterval:      cfg.Poll.Interval,
			Jitter:            cfg.Poll.Jitter,
			MaxFailures:       cfg.Poll.MaxFailures,
			BackoffInitial:    cfg.Poll.BackoffInitial,
			BackoffMultiplier: cfg.Poll.BackoffMultiplier,
			BackoffMax:        cfg.Poll.BackoffMax,
			RatePerSecond:     cfg.Poll.RatePerSecond,
		},
		Stall:                 stall,
		SessionTimeoutMinutes: cfg.Session.TimeoutMinutes,
		SessionCheckInterval:  cfg.Session.CheckInterval,
		LedgerStaleAfter:      cfg.Ledger.StaleAfter,
		SweepInterval:         cfg.Ledger.SweepInterval,
		DownloadTimeout:       cfg.Remote.DownloadTimeout,
	}, client, download.New(cfg.DownloadDir))
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// waitForShutdownSignal returns on SIGINT/SIGTERM or when ctx ends because a
// sibling goroutine failed.
func waitForShutdownSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
	}
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, store *orchestrator.Store, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !store.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
}
