package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/packbot"
	"github.com/hupe1980/packbot/adapter"
	"github.com/hupe1980/packbot/adapter/console"
	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configPath string
	noColor    bool
	watch      bool
	in         io.Reader
	out        io.Writer
}

func runServe(ctx context.Context, so serveOptions) error {
	cfg, err := loadConfig(so.configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LoggerConfig())

	term := console.New(func(o *console.Options) {
		o.Input = so.in
		o.Output = so.out
		o.NoColor = so.noColor
		o.Logger = logger
	})

	router := adapter.NewRouter(term)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	bot, err := packbot.New(cfg, func(o *packbot.Options) {
		o.Sender = router
		o.Logger = logger
		o.Registerer = reg
		o.Version = version
	})
	if err != nil {
		return fmt.Errorf("failed to initialize bot: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Stop governs shutdown so queued messages still drain after a signal.
	if err := bot.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Addr, reg)

		g.Go(func() error {
			logger.Info("metrics.listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if so.watch && so.configPath != "" {
		w := config.NewWatcher(so.configPath, func(next *config.Config) {
			if err := bot.Reload(next); err != nil {
				logger.Error("config.reload.error", "error", err.Error())
			}
		}, func(o *config.WatcherOptions) { o.Logger = logger })

		if err := w.Start(gctx); err != nil {
			logger.Warn("config.watch.error", "error", err.Error())
		} else {
			defer w.Close()
		}
	}

	term.Notice("packbot %s ready - type /help", version)

	g.Go(func() error {
		// End of input stops the other group members.
		defer cancel()

		return term.Run(gctx, func(ev core.Event) {
			if !bot.Submit(ev) {
				term.Notice("busy, message dropped")
			}
		})
	})

	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := bot.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return runErr
}

func metricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
