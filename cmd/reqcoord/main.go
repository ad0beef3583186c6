// Command reqcoord warms a Coordinator from a config file: it loads the
// configured endpoints through the request queue and cache, logs rate-limit
// events and serves the coordinator's metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zckevin/reqcoord/config"
	"github.com/zckevin/reqcoord/httpclient"
	"github.com/zckevin/reqcoord/loader"
	"github.com/zckevin/reqcoord/ratelimit"
	"github.com/zckevin/reqcoord/transport"
)

func main() {
	configFile := flag.String("config", "reqcoord.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "exit after the initial load instead of serving metrics")
	flag.Parse()

	if err := run(*configFile, *once); err != nil {
		fmt.Fprintf(os.Stderr, "reqcoord: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, once bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, release, err := cfg.NewStore()
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck

	doer, err := transport.New(cfg.TransportConfig(), logger.Named("transport"), reg)
	if err != nil {
		return err
	}

	notifier := ratelimit.NewNotifier()
	defer notifier.Close()
	events, cancel := notifier.Subscribe(16)
	defer cancel()
	go logRateLimits(logger.Named("ratelimit"), events)

	client := httpclient.NewCoordinator(cfg.BaseURL, doer,
		append(cfg.Options(logger.Named("coordinator"), reg, store), httpclient.WithNotifier(notifier))...)
	defer client.Close()

	l := loader.New(client, append(cfg.LoaderOptions(), loader.WithLogger(logger.Named("loader")))...)
	if err := l.Initialize(ctx); err != nil {
		logger.Warn("some critical endpoints failed to load", zap.Error(err))
	}

	if once || cfg.Metrics.Addr == "" {
		return l.Wait()
	}
	go func() {
		if err := l.Wait(); err != nil {
			logger.Warn("background load failed", zap.Error(err))
		}
	}()
	return serveMetrics(ctx, logger, cfg.Metrics.Addr, reg)
}

func logRateLimits(logger *zap.Logger, events <-chan ratelimit.Event) {
	for ev := range events {
		logger.Warn(ev.Message,
			zap.String("endpoint", ev.Endpoint),
			zap.Int("status", ev.Status),
			zap.Int("retry_count", ev.RetryCount),
			zap.Duration("retry_after", ev.RetryAfter))
	}
}

func serveMetrics(ctx context.Context, logger *zap.Logger, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("stopped")
	return nil
}
