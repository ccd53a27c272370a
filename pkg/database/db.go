package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DriverName is the sqlx driver used for the content database
const DriverName = "postgres"

// Queryer is the read surface shared by *sqlx.DB and *sqlx.Tx
type Queryer interface {
	DriverName() string
	Rebind(query string) string
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

type DB interface {
	Queryer
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Stats() sql.DBStats
	WithSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

// PoolOptions sizes the connection pool
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connect opens and pings a postgres connection pool
func Connect(ctx context.Context, dsn string, pool PoolOptions, logger ectologger.Logger) (DB, error) {
	db, err := sqlx.ConnectContext(ctx, DriverName, dsn)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Error("failed to connect to database")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return NewDatabaseInstance(db, logger), nil
}

func (db *DatabaseInstance) WithSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithSnapshot(ctx, db.logger, db, fn)
}
