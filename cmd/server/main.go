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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callsync/internal/adapters/http"
	"github.com/dkeye/callsync/internal/adapters/rtc"
	relay "github.com/dkeye/callsync/internal/adapters/signal"
	"github.com/dkeye/callsync/internal/app"
	"github.com/dkeye/callsync/internal/app/callsession"
	"github.com/dkeye/callsync/internal/app/orch"
	"github.com/dkeye/callsync/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := relay.NewClient(relay.Options{
		URL:          cfg.Relay.URL,
		Token:        cfg.Relay.Token,
		ReadLimit:    cfg.Relay.ReadLimit,
		PingPeriod:   cfg.Relay.PingPeriod,
		WriteTimeout: cfg.Relay.WriteTimeout,
	})

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Relay:    client,
		Media:    rtc.NewFactory(rtc.ICEConfig(cfg.ICE.Servers), nil),
		Config:   cfg.Session(),
		Metrics:  callsession.NewMetrics(reg),
	}
	stopWatch := o.WatchBookings()
	defer stopWatch()

	limiter := router.NewStartRateLimiter(cfg.API.StartLimit, cfg.API.StartInterval, nil)
	r := router.SetupRouter(cfg, o, reg, limiter)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("relay", cfg.Relay.URL).Msg("callsync agent started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := o.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("sessions did not end in time")
		}
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("relay close")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exit with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
