package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"willow-etl" validate:"required"`
	Port               int    `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`
	// Serve health probes and Prometheus metrics on Port
	HTTPEnabled bool `env:"HTTP_ENABLED" env-default:"true"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost" validate:"required"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432" validate:"required,numeric"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:"app"`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"movies_database" validate:"required"`
	// Schema holding the content tables
	DatabaseSchema string `env:"DB_SCHEMA" env-default:"content" validate:"required,alphanum"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"5"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"2"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost" validate:"required"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379" validate:"min=1,max=65535"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0" validate:"min=0"`

	// Elasticsearch node URLs (comma-separated)
	ElasticURLs []string `env:"ES_URLS" env-default:"http://localhost:9200" validate:"required,min=1,dive,url"`
	// Elasticsearch basic auth user
	ElasticUsername string `env:"ES_USERNAME" env-default:""`
	// Elasticsearch basic auth password
	ElasticPassword string `env:"ES_PASSWORD" env-default:""`
	// Index receiving film work documents
	ElasticIndex string `env:"ES_INDEX" env-default:"movies" validate:"required"`

	// ETL settings
	// Entity types processed each cycle, in order
	EntityTypes []string `env:"ETL_ENTITY_TYPES" env-default:"genre,person,film_work" validate:"required,min=1,unique,dive,oneof=genre person film_work"`
	// Maximum changed rows produced per entity type per cycle
	BatchSize int `env:"ETL_BATCH_SIZE" env-default:"100" validate:"min=1"`
	// Root ids per aggregate join query
	JoinBatchSize int `env:"ETL_JOIN_BATCH_SIZE" env-default:"100" validate:"min=1"`
	// Rows per relation propagation page
	PropagationPageSize int `env:"ETL_PROPAGATION_PAGE_SIZE" env-default:"500" validate:"min=1"`
	// Delay between cycles
	CycleDelay time.Duration `env:"ETL_CYCLE_DELAY" env-default:"3s" validate:"min=0"`
	// Delay between entity types inside a cycle
	EntityDelay time.Duration `env:"ETL_ENTITY_DELAY" env-default:"3s" validate:"min=0"`
	// TTL of the per entity type lock
	LockTTL time.Duration `env:"ETL_LOCK_TTL" env-default:"5m" validate:"min=1s"`

	// Retry settings for transient failures
	RetryMaxAttempts     uint          `env:"RETRY_MAX_ATTEMPTS" env-default:"3" validate:"min=1"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" env-default:"500ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" env-default:"10s"`

	// Redis stream receiving documents that failed transformation
	DLQStream string `env:"DLQ_STREAM" env-default:"willow:dlq"`

	// Kafka settings
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Topic receiving an event per committed load
	KafkaIndexedTopic string `env:"KAFKA_INDEXED_TOPIC" env-default:"willow.documents.indexed"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	for i := range cfg.EntityTypes {
		cfg.EntityTypes[i] = strings.TrimSpace(cfg.EntityTypes[i])
	}
	for i := range cfg.ElasticURLs {
		cfg.ElasticURLs[i] = strings.TrimSpace(cfg.ElasticURLs[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DatabaseDSN builds the lib/pq connection string. Values are quoted so empty
// values and values with spaces or quotes survive parsing.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dsnQuote(c.DatabaseHost), dsnQuote(c.DatabasePort), dsnQuote(c.DatabaseUserName),
		dsnQuote(c.DatabasePassword), dsnQuote(c.DatabaseName), dsnQuote(c.DatabaseSSLMode))
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func dsnQuote(value string) string {
	return "'" + dsnEscaper.Replace(value) + "'"
}

// KafkaBrokerList splits KafkaBrokers on commas.
func (c *Config) KafkaBrokerList() []string {
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}
