package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pobradovic08/isis-bfd/internal/api"
	"github.com/pobradovic08/isis-bfd/internal/bfdclient"
	"github.com/pobradovic08/isis-bfd/internal/bgpfeed"
	"github.com/pobradovic08/isis-bfd/internal/config"
	"github.com/pobradovic08/isis-bfd/internal/daemon"
	"github.com/pobradovic08/isis-bfd/internal/observability"
	"github.com/pobradovic08/isis-bfd/internal/tlsutil"
	"github.com/pobradovic08/isis-bfd/internal/topology"
)

const shutdownTimeout = 30 * time.Second

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "configs/isis-bfdd.example.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Configure structured logging. The level follows config reloads.
	var level slog.LevelVar
	level.Set(parseLevel(cfg.Log.Level))
	opts := &slog.HandlerOptions{Level: &level}
	var logHandler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Log.Format == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewMetrics(promReg)
	if err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Detection service client
	clientName := cfg.Router.Name
	if clientName == "" {
		clientName = "isis-bfdd"
	}
	clientOpts := bfdclient.OptionsFromConfig(cfg.LivenessService, clientName)
	clientOpts.Metrics = metrics
	if cfg.LivenessService.TLS.Enabled {
		creds, certLoader, err := tlsutil.ClientCredentials(cfg.LivenessService.TLS)
		if err != nil {
			slog.Error("failed to load TLS credentials", "error", err)
			os.Exit(1)
		}
		defer certLoader.Close()
		clientOpts.DialOptions = append(clientOpts.DialOptions, grpc.WithTransportCredentials(creds))
	} else {
		slog.Warn("liveness service connection is not encrypted")
		clientOpts.DialOptions = append(clientOpts.DialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	client := bfdclient.New(clientOpts)

	// Event loop owning the topology
	reg := topology.New()
	loop := daemon.New(reg, client, daemon.Options{
		Logger:           logger,
		Metrics:          metrics,
		Debug:            cfg.Debug.BFD,
		ServiceConnected: client.Connected,
	})

	errCh := make(chan error, 4)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	if err := loop.ApplyConfig(ctx, cfg); err != nil {
		slog.Error("failed to apply config", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := client.Run(ctx, loop); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			level.Set(parseLevel(next.Log.Level))
			if err := loop.ApplyConfig(ctx, next); err != nil {
				slog.Error("failed to apply reloaded config", "error", err)
				metrics.IncConfigReload("failed")
				return
			}
			slog.Info("config reloaded", "path", *configPath)
			metrics.IncConfigReload("applied")
		})
		if err != nil {
			slog.Error("config watcher stopped", "error", err)
		}
	}()

	// BGP adjacency feed
	var feed *bgpfeed.Feed
	if cfg.BGP.Enabled {
		feed, err = bgpfeed.New(cfg.BGP, loop)
		if err != nil {
			slog.Error("failed to create BGP feed", "error", err)
			os.Exit(1)
		}
		if err := feed.Start(ctx); err != nil {
			slog.Error("failed to start BGP feed", "error", err)
			os.Exit(1)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		var limiter *api.Limiter
		if rl := cfg.API.RateLimit; rl.Requests > 0 {
			limiter, err = api.NewLimiter(rl.Requests, rl.Interval, 10*rl.Interval)
			if err != nil {
				slog.Error("failed to create rate limiter", "error", err)
				os.Exit(1)
			}
			defer limiter.Close()
		}
		apiServer = api.NewServer(api.ServerDeps{
			Backend:      loop,
			Limiter:      limiter,
			Logger:       logger,
			ListenAddr:   cfg.API.ListenAddr,
			WriteTimeout: cfg.API.WriteTimeout,
			ReadTimeout:  cfg.API.ReadTimeout,
		})
		go func() {
			errCh <- apiServer.Start()
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	slog.Info("isis-bfdd running",
		"service_addr", cfg.LivenessService.Address,
		"api_enabled", cfg.API.Enabled,
		"bgp_enabled", cfg.BGP.Enabled,
	)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("component error, initiating shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	go func() {
		<-shutdownCtx.Done()
		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			slog.Error("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}
	if feed != nil {
		if err := feed.Stop(shutdownCtx); err != nil {
			slog.Error("BGP feed shutdown error", "error", err)
		}
	}

	// Stops the service client, the config watcher and the event loop.
	cancel()
	<-loopDone
	slog.Info("isis-bfdd stopped gracefully")
}
