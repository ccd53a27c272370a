// Command willow keeps an Elasticsearch index in sync with the content
// tables of a Postgres database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/willow/config"
	"github.com/Ramsey-B/willow/pkg/startup"
	"github.com/Ramsey-B/willow/pkg/tracing"
	"github.com/Ramsey-B/willow/pkg/tracing/exporters"
)

// version is set at build time
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "willow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEnabled {
		shutdownTracing, err := setupTracing(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer shutdownTracing()
	}

	app := newApp(cfg, logger)
	s := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	for _, dep := range app.dependencies() {
		if err := s.AddDependency(dep); err != nil {
			return err
		}
	}

	if err := s.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.Stop(stopCtx)
		return fmt.Errorf("startup failed: %w", err)
	}
	logger.WithFields(map[string]any{
		"version":      version,
		"entity_types": cfg.EntityTypes,
		"index":        cfg.ElasticIndex,
	}).Info("willow started")

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case fatal = <-app.fatal:
		logger.WithError(fatal).Error("Fatal error, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("willow stopped")
	return fatal
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build(zap.Fields(zap.String("app", cfg.AppName)))
}

func setupTracing(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (func(), error) {
	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := tracing.Setup(cfg.AppName, exporter)
	logger.Infof("Tracing enabled: endpoint=%s protocol=%s", cfg.OTLPEndpoint, cfg.OTLPProtocol)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}, nil
}
