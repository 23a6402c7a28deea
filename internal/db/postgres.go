// Package db wires the durable Postgres connection pool and schema
// migrations shared by the queue and message-log stores.
package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Postgres wraps *sql.DB with the connection-pool tuning this service runs
// with in production: enough headroom for concurrent dispatcher workers
// and webhook handlers to lease/complete/fail rows without queueing on the
// pool itself.
type Postgres struct {
	*sql.DB
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	sqlDB, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(15)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}

	return &Postgres{DB: sqlDB}, nil
}

// RunMigrations applies every pending migration under migrationsPath. The
// concrete SQL dialect and migration authoring workflow are out of this
// service's design scope (spec §1); this just gets the schema in place.
func (p *Postgres) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(p.DB, &postgres.Config{})
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absPath, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.PingContext(ctx)
}
