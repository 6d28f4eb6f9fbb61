package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/proximity-chat/config"
	"github.com/adwski/proximity-chat/registry"
	httpServer "github.com/adwski/proximity-chat/server/http"
	websocketServer "github.com/adwski/proximity-chat/server/websocket"
	store "github.com/adwski/proximity-chat/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to YAML config file (optional)")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket registry listen address")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "admin api listen address")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *wsListenAddr != "" {
		cfg.WSListenAddr = *wsListenAddr
	}
	if *apiListenAddr != "" {
		cfg.APIListenAddr = *apiListenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := registry.NewService(registry.Config{
		Logger:            &logger,
		Store:             store.NewMemStore(),
		Metrics:           registry.NewMetrics(promReg),
		CallbackTimeout:   cfg.CallbackTimeout,
		ShutdownWhenEmpty: cfg.ShutdownWhenEmpty,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &logger,
		Registry:    svc,
		ListenAddr:  cfg.WSListenAddr,
		ServiceName: cfg.ServiceName,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RosterService: svc,
		Gatherer:      promReg,
		ListenAddr:    cfg.APIListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go wsSrv.Run(ctx, wg, errc)
	go apiSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-svc.Done():
		logger.Info().Msg("registry is empty, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()

	waitc := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitc)
	}()
	select {
	case <-waitc:
	case <-time.After(cfg.ShutdownGracePeriod):
		logger.Warn().Msg("graceful shutdown timed out, forcing exit")
	}
}
