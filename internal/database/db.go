// Package database persists each authenticated user's custom
// watchlist (spec.md §12 supplement: the source project's UI lets a
// signed-in user pin symbols beyond the default set). Everything else
// the source project's database layer covered — trades, positions,
// billing, licensing — belongs to the trading bot this gateway is not.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool from a DSN.
func NewDB(dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Println("connected to PostgreSQL")
	return &DB{Pool: pool}, nil
}

// Close closes the database connection.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("database connection closed")
	}
}

// RunMigrations creates the watchlist table if it does not already exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS watchlist_symbols (
			user_id    TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			added_at   TIMESTAMP NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, symbol)
		)
	`)
	if err != nil {
		return fmt.Errorf("unable to run migrations: %w", err)
	}
	return nil
}
