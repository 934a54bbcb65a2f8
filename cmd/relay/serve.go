package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/relay/internal/api"
	"github.com/ajitpratap0/relay/internal/orchestrator"
	"github.com/ajitpratap0/relay/internal/store"
	"github.com/ajitpratap0/relay/pkg/bulkload"
	"github.com/ajitpratap0/relay/pkg/clients"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/connect"
	"github.com/ajitpratap0/relay/pkg/connectorconfig"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/metrics"
	"github.com/ajitpratap0/relay/pkg/naming"
	"github.com/ajitpratap0/relay/pkg/observability"
	"github.com/ajitpratap0/relay/pkg/retry"
	"github.com/ajitpratap0/relay/pkg/topics"
)

func newServeCmd(configFile *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "relay"
	}
	shutdownTracing, err := observability.Init(cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		recorder = metrics.Collector{}
	}

	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	source, err := newManager("source", cfg.SourceRuntime, cfg, recorder, log)
	if err != nil {
		return err
	}
	sink, err := newManager("sink", cfg.SinkRuntime, cfg, recorder, log)
	if err != nil {
		return err
	}

	resolver, err := naming.NewResolver(cfg.Naming)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Source:    source,
		Sink:      sink,
		Generator: connectorconfig.NewGenerator(resolver, cfg.Streams),
		Resolver:  resolver,
		BulkLoader: bulkload.NewExecutor(cfg.BulkLoad,
			bulkload.WithRecorder(recorder), bulkload.WithLogger(log)),
		Provisioner: topics.NewProvisioner(cfg.Streams, log),
		Recorder:    recorder,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	log.Info("relay starting",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("source_runtime", cfg.SourceRuntime.URL),
		zap.String("sink_runtime", cfg.SinkRuntime.URL))

	return api.NewServer(orch, cfg.API, cfg.Metrics, serviceName, log).Run(ctx)
}

func newManager(name string, rc config.RuntimeConfig, cfg *config.Config, recorder metrics.Recorder, log *zap.Logger) (*connect.Manager, error) {
	httpClient, err := clients.NewHTTPClient(name, rc, log, clients.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}
	return connect.NewManager(connect.NewClient(httpClient, log), connect.Options{
		Poll:          retry.PollConfigFrom(cfg.Polling, rc.RequestTimeout),
		Retry:         retry.FromConfig(cfg.Retry),
		StatusTimeout: cfg.Polling.StatusTimeout,
		Recorder:      recorder,
		Logger:        log,
	}), nil
}

func newMigrateCmd(configFile *string) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations to the Postgres store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return err
				}
				dsn = cfg.Storage.DSN
			}
			if dsn == "" {
				return fmt.Errorf("no DSN: set --dsn or storage.dsn")
			}
			if err := store.MigrateDSN(cmd.Context(), dsn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to storage.dsn)")
	return cmd
}
