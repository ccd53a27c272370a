package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/willow/config"
	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/etl"
	"github.com/Ramsey-B/willow/pkg/extract"
	"github.com/Ramsey-B/willow/pkg/health"
	"github.com/Ramsey-B/willow/pkg/kafka"
	"github.com/Ramsey-B/willow/pkg/load"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/redis"
	"github.com/Ramsey-B/willow/pkg/retry"
	"github.com/Ramsey-B/willow/pkg/search"
	"github.com/Ramsey-B/willow/pkg/startup"
	"github.com/Ramsey-B/willow/pkg/state"
)

const (
	depPostgres      = "postgres"
	depRedis         = "redis"
	depElasticsearch = "elasticsearch"
	depKafka         = "kafka"
	depHTTP          = "http"
	depRunner        = "runner"
)

// dependency adapts a pair of functions to startup.StartupDependency
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string     { return d.name }
func (d *dependency) DependsOn() []string { return d.dependsOn }

func (d *dependency) Start(ctx context.Context) error {
	return d.start(ctx)
}

func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

// app holds the components built while starting up
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	checker *health.Checker
	fatal   chan error

	db       database.DB
	redis    *redis.Client
	search   *search.Client
	producer *kafka.Producer
	server   *echo.Echo
	runner   *etl.Runner
}

func newApp(cfg *config.Config, logger ectologger.Logger) *app {
	return &app{
		cfg:     cfg,
		logger:  logger,
		checker: health.NewChecker(version),
		fatal:   make(chan error, 1),
	}
}

func (a *app) dependencies() []startup.StartupDependency {
	runnerDeps := []string{depPostgres, depRedis, depElasticsearch}
	deps := []startup.StartupDependency{
		&dependency{name: depPostgres, start: a.startPostgres, stop: a.stopPostgres},
		&dependency{name: depRedis, start: a.startRedis, stop: a.stopRedis},
		&dependency{name: depElasticsearch, start: a.startElasticsearch, stop: a.stopElasticsearch},
	}
	if a.cfg.KafkaEnabled {
		deps = append(deps, &dependency{name: depKafka, start: a.startKafka, stop: a.stopKafka})
		runnerDeps = append(runnerDeps, depKafka)
	}
	if a.cfg.HTTPEnabled {
		deps = append(deps, &dependency{name: depHTTP, start: a.startHTTP, stop: a.stopHTTP})
	}
	deps = append(deps, &dependency{name: depRunner, dependsOn: runnerDeps, start: a.startRunner, stop: a.stopRunner})
	return deps
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     a.cfg.RetryMaxAttempts,
		InitialInterval: a.cfg.RetryInitialInterval,
		MaxInterval:     a.cfg.RetryMaxInterval,
		Logger:          a.logger,
	}
}

func (a *app) startPostgres(ctx context.Context) error {
	db, err := database.Connect(ctx, a.cfg.DatabaseDSN(), database.PoolOptions{
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.checker.AddCheck(depPostgres, health.PingFunc(db.PingContext))
	return nil
}

func (a *app) stopPostgres(context.Context) error {
	return a.db.Close()
}

func (a *app) startRedis(ctx context.Context) error {
	client := redis.NewClient(redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.checker.AddCheck(depRedis, client)
	return nil
}

func (a *app) stopRedis(context.Context) error {
	return a.redis.Close()
}

func (a *app) startElasticsearch(ctx context.Context) error {
	client, err := search.NewClient(search.Config{
		URLs:     a.cfg.ElasticURLs,
		Username: a.cfg.ElasticUsername,
		Password: a.cfg.ElasticPassword,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		client.Stop()
		return err
	}
	a.search = client
	a.checker.AddCheck(depElasticsearch, client)
	return nil
}

func (a *app) stopElasticsearch(context.Context) error {
	a.search.Stop()
	return nil
}

func (a *app) startKafka(context.Context) error {
	a.producer = kafka.NewProducer(kafka.Config{
		Brokers: a.cfg.KafkaBrokerList(),
		Topic:   a.cfg.KafkaIndexedTopic,
	}, a.logger)
	return nil
}

func (a *app) stopKafka(context.Context) error {
	return a.producer.Close()
}

func (a *app) startHTTP(context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(health.RequestLogger(a.logger))
	a.checker.RegisterRoutes(e)

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case a.fatal <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()
	a.server = e
	a.logger.Infof("Serving health and metrics on %s", addr)
	return nil
}

func (a *app) stopHTTP(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *app) startRunner(ctx context.Context) error {
	entityTypes := make([]models.EntityType, 0, len(a.cfg.EntityTypes))
	for _, name := range a.cfg.EntityTypes {
		et, err := models.ParseEntityType(name)
		if err != nil {
			return err
		}
		entityTypes = append(entityTypes, et)
	}

	policy := a.retryPolicy()
	watermarks := state.New(a.redis, policy, a.logger)
	schema := extract.DefaultSchema(a.cfg.DatabaseSchema)

	extractor := extract.NewExtractor(
		a.db,
		extract.NewProducer(a.db, schema, watermarks, a.cfg.BatchSize, a.logger),
		extract.NewPropagator(a.db, schema, a.cfg.JoinBatchSize, a.cfg.PropagationPageSize, a.logger),
		extract.NewJoiner(a.db, schema, a.cfg.JoinBatchSize, a.logger),
		watermarks,
		policy,
		a.logger,
	)
	loader := load.NewLoader(a.search, watermarks, policy, a.logger)

	// a nil *kafka.Producer must not become a non-nil interface
	var events etl.EventPublisher
	if a.producer != nil {
		events = a.producer
	}
	dlq := redis.NewDeadLetterQueue(a.redis, a.cfg.DLQStream, a.logger)
	pipeline := etl.NewPipeline(extractor, loader, watermarks, dlq, events, a.cfg.ElasticIndex, a.logger)

	a.runner = etl.NewRunner(pipeline, redis.NewLocker(a.redis, ""), etl.RunnerConfig{
		EntityTypes: entityTypes,
		CycleDelay:  a.cfg.CycleDelay,
		EntityDelay: a.cfg.EntityDelay,
		LockTTL:     a.cfg.LockTTL,
	}, a.logger)
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	a.checker.SetReady(true)
	return nil
}

func (a *app) stopRunner(ctx context.Context) error {
	a.checker.SetReady(false)
	return a.runner.Stop(ctx)
}
