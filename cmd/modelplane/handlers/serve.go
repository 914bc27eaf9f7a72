// Package handlers implements the CLI command logic.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modelplane/modelplane/internal/api"
	"github.com/modelplane/modelplane/internal/catalog"
	"github.com/modelplane/modelplane/internal/cluster"
	"github.com/modelplane/modelplane/internal/config"
	"github.com/modelplane/modelplane/internal/hub"
	"github.com/modelplane/modelplane/internal/iac"
	"github.com/modelplane/modelplane/internal/metrics"
	"github.com/modelplane/modelplane/internal/netguard"
	"github.com/modelplane/modelplane/internal/pipeline"
	"github.com/modelplane/modelplane/internal/platform/s3"
	"github.com/modelplane/modelplane/internal/platform/sts"
	"github.com/modelplane/modelplane/internal/seed"
	"github.com/modelplane/modelplane/internal/service"
	"github.com/modelplane/modelplane/internal/sshx"
	"github.com/modelplane/modelplane/internal/store"
	"github.com/modelplane/modelplane/internal/util/worker"
)

const shutdownGrace = 30 * time.Second

// Serve runs the control plane until interrupted.
func Serve(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	log, flush, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	h := hub.New(log.WithName("hub"),
		hub.WithTimeout(cfg.Hub.SubscriptionTimeout),
		hub.WithMetrics(m),
	)
	pool := worker.NewPool(cfg.Pipeline.Workers, log.WithName("worker"))

	broker, err := sts.NewBroker(ctx, cfg.Provider.Region)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(ctx, cfg, st, h, m, broker, log)
	if err != nil {
		return err
	}

	cat := catalog.NewStatic(cfg.Catalog.ModelIDs, cfg.Catalog.SpecIDs, cfg.Catalog.RegionIDs)
	svc := service.New(st, h, pool, orch, cat, broker, log.WithName("service"))
	srv := api.NewServer(svc, h, log.WithName("api"))

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("api listening", "addr", cfg.Server.Addr)
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "api server did not drain in time")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "worker pool did not drain in time")
	}
	return nil
}

func buildOrchestrator(ctx context.Context, cfg *config.Config, st *store.Store, h *hub.Hub, m *metrics.Metrics, broker *sts.Broker, log logr.Logger) (*pipeline.Orchestrator, error) {
	bundles, err := s3.NewClient(ctx, cfg.Provider.Region)
	if err != nil {
		return nil, err
	}
	templates, err := iac.NewGenerator()
	if err != nil {
		return nil, err
	}
	seeds, err := seed.NewGenerator()
	if err != nil {
		return nil, err
	}

	dialer := sshx.NewDialer(log.WithName("ssh"))
	dialer.MaxAttempts = cfg.SSH.MaxAttempts
	dialer.RetryDelay = cfg.SSH.RetryDelay
	dialer.DialTimeout = cfg.SSH.DialTimeout

	boot := cluster.New(dialer, bundles, cfg.Provider.BundleBucket, cfg.Provider.BundleKey, log.WithName("cluster"))
	boot.User = cfg.SSH.User

	guard, err := netguard.NewFromConfig(ctx, cfg.Provider.Region, log.WithName("netguard"))
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Deps{
		Store:      st,
		Broker:     broker,
		Templates:  templates,
		Infra:      iac.NewExecutor(cfg.Pipeline.IaCBinary, log.WithName("iac")),
		Seeds:      seeds,
		Bootstrap:  boot,
		Reconciler: guard,
		Publisher:  h,
		Metrics:    m,
		Log:        log.WithName("pipeline"),
		WorkDir:    cfg.Pipeline.WorkDir,
		Region:     cfg.Provider.Region,
		ImageID:    cfg.Provider.ImageID,
	}), nil
}

func newLogger(debug bool) (logr.Logger, func(), error) {
	var zcfg zap.Config
	if debug {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
