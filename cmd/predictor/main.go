// Command predictor runs the forecastd prediction engine.
//
// The predictor listens for start and stop commands on the broker, and while at
// least one metric is active it wakes up ahead of every aligned target, refreshes
// the historical datasets, runs one forecast job per metric through the backend,
// and publishes the results on per-metric topics.
//
// It serves an HTTP API on port 8081 (configurable):
//   - GET /predictions/current?metric=<name> - latest delivered prediction
//   - GET /status - run state, metric set and cycle timing
//   - GET /healthz - health check
//   - GET /metrics - Prometheus metrics
//
// and a gRPC health service on port 50051 whose "<forecaster>" service reports
// SERVING while forecasting.
//
// Usage:
//
//	predictor \
//	  -transport=nats -brokers=nats://nats:4222 \
//	  -history=prometheus -history-url=http://prometheus:9090 \
//	  -history-query='avg({{.Metric}})' \
//	  -backend=command -backend-command=Rscript -backend-args=forecasting_real_workload.R \
//	  -properties-file=/etc/forecastd/prediction_configuration.properties
//
// Every flag has an environment variable counterpart (TRANSPORT, BROKERS,
// HISTORY_URL, ...). ADAPTER_* variables are passed to the history source.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/forecastd/cmd/predictor/config"
	"github.com/HatiCode/forecastd/cmd/predictor/logger"
	"github.com/HatiCode/forecastd/cmd/predictor/router"
	"github.com/HatiCode/forecastd/pkg/adapters"
	"github.com/HatiCode/forecastd/pkg/backend"
	"github.com/HatiCode/forecastd/pkg/control"
	"github.com/HatiCode/forecastd/pkg/dispatch"
	"github.com/HatiCode/forecastd/pkg/engine"
	"github.com/HatiCode/forecastd/pkg/history"
	"github.com/HatiCode/forecastd/pkg/httpx"
	"github.com/HatiCode/forecastd/pkg/metrics"
	"github.com/HatiCode/forecastd/pkg/publish"
	"github.com/HatiCode/forecastd/pkg/storage"
	"github.com/HatiCode/forecastd/pkg/transport"
)

// version is set via ldflags at build time
var version = "dev"

const defaultBackendTimeout = 60 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("predictor failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting forecastd predictor",
		"version", version,
		"forecaster", cfg.Forecaster,
		"transport", cfg.Transport,
		"backend", cfg.Backend,
		"history", cfg.History,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, cfg.Forecaster)

	serverTLS, err := cfg.ServerTLS.Server()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := cfg.ClientTLS.Client()
	if err != nil {
		return fmt.Errorf("client tls: %w", err)
	}

	store, health, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	tr, err := transport.New(transport.Config{
		Kind:     cfg.Transport,
		Brokers:  cfg.Brokers,
		Username: cfg.BrokerUsername,
		Password: cfg.BrokerPassword,
		ClientID: cfg.ClientID,
		TLS:      clientTLS,
	}, log)
	if err != nil {
		return fmt.Errorf("connect %s transport: %w", cfg.Transport, err)
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error("failed to close transport", "error", err)
		}
	}()

	topics := control.Topics{Prefix: cfg.TopicPrefix, Forecaster: cfg.Forecaster, Preliminary: cfg.PreliminaryTopics}
	announcer := engine.NewStatusPublisher(tr, topics.State(), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	announcer.Announce(ctx, engine.StateStarting)

	b, err := newBackend(cfg, clientTLS, log)
	if err != nil {
		return err
	}
	source, err := newSource(cfg, clientTLS)
	if err != nil {
		return err
	}

	props := config.NewProperties(cfg.PropertiesFile, config.Values{
		Window:     cfg.HistoryWindow,
		DatasetDir: cfg.DatasetDir,
		Margin:     cfg.InitialMargin,
	}, log)
	vals, err := props.Reload()
	if err != nil {
		log.Warn("properties file unreadable, using flag values", "error", err)
	}

	refresher := history.NewRefresher(source, history.Config{
		Dir:         vals.DatasetDir,
		Application: cfg.Application,
		Window:      vals.Window,
	}, log, m)

	pipeline := publish.New(tr, topics.Result, publish.Options{
		Level:       cfg.Level,
		Probability: cfg.Probability,
		RefersTo:    cfg.RefersTo,
		Cloud:       cfg.Cloud,
		Provider:    cfg.Provider,
	}, store, log, m)

	state := engine.NewState(cfg.BatchSize, vals.Margin)
	runner := engine.NewRunner(
		state,
		dispatch.New(b, refresher, log, m),
		pipeline,
		&preparer{props: props, history: refresher, state: state, logger: log},
		log,
		m,
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Forecaster, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctrl := engine.NewController(engine.ControllerConfig{
		State:         state,
		Runner:        runner,
		Binder:        pipeline,
		Decoder:       control.NewDecoder(topics),
		Announcer:     announcer,
		InitialMargin: props.Margin,
		OnStateChange: func(s engine.RunState) {
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if s == engine.Running {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus(cfg.Forecaster, status)
		},
		Logger:  log,
		Metrics: m,
	})

	errCh := make(chan error, 3)

	var grpcServer *grpc.Server
	if cfg.HealthGRPC != "" {
		var opts []grpc.ServerOption
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcServer = grpc.NewServer(opts...)
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		lis, err := net.Listen("tcp", cfg.HealthGRPC)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.HealthGRPC, err)
		}
		go func() {
			log.Info("grpc health server listening", "address", cfg.HealthGRPC)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(router.Deps{
		Store:    store,
		Status:   ctrl,
		Gatherer: reg,
		Health:   health,
		Logger:   log,
	}), serverTLS, log)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := tr.Subscribe(ctx, topics.Control(), ctrl.Handle); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("control subscription: %w", err)
		}
	}()

	announcer.Announce(ctx, engine.StateStarted)
	log.Info("waiting for start commands", "topics", topics.Control())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case runErr = <-errCh:
		log.Error("component failed, shutting down", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error("forecasting did not stop cleanly", "error", err)
	}
	healthServer.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
	return runErr
}

// newStore returns the prediction store, an optional health check and a closer.
func newStore(cfg *config.Config) (storage.Store, func() error, func(), error) {
	if cfg.Storage == "redis" {
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis store: %w", err)
		}
		check := func() error { return rs.Ping(context.Background()) }
		return rs, check, func() { _ = rs.Close() }, nil
	}

	ms := storage.NewMemoryStoreWithTTL(cfg.RedisTTL, 0)
	return ms, nil, ms.Stop, nil
}

func newBackend(cfg *config.Config, clientTLS *tls.Config, log *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "command":
		return &backend.Command{
			Path:   cfg.BackendCommand,
			Args:   cfg.BackendArgs,
			Dir:    cfg.BackendDir,
			Logger: log,
		}, nil
	case "http":
		h := backend.NewHTTP(cfg.BackendURL, cfg.BackendOutput, cfg.BackendTimeout)
		if clientTLS != nil {
			timeout := cfg.BackendTimeout
			if timeout <= 0 {
				timeout = defaultBackendTimeout
			}
			h.WithClient(httpx.NewClient(clientTLS, timeout))
		}
		return h, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newSource(cfg *config.Config, clientTLS *tls.Config) (adapters.Source, error) {
	if cfg.History == "none" {
		return nil, nil
	}
	src, err := adapters.New(cfg.History, cfg.AdapterConfig, cfg.HistoryStep)
	if err != nil {
		return nil, fmt.Errorf("history source: %w", err)
	}
	if h, ok := src.(*adapters.HTTPSource); ok && clientTLS != nil {
		h.HTTPClient = httpx.NewClient(clientTLS, defaultBackendTimeout)
	}
	return src, nil
}
