package db

import (
	"context"
	"embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/wenwu/saas-platform/entitlement-service/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Schema holds every table; repository SQL qualifies names with it
const Schema = "entitlement"

type Database struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	// 每个连接都需要 search_path，不能只在一个连接上执行 SET
	poolConfig.ConnConfig.RuntimeParams["search_path"] = Schema + ",public"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Printf("[db] Connected to PostgreSQL: %s/%s (schema: %s)", cfg.Host, cfg.DBName, Schema)

	return &Database{Pool: pool}, nil
}

// Migrate applies the embedded goose migrations. The schema is created first
// so the version table can live next to the service's own tables.
func (d *Database) Migrate(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", Schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	sqlDB := stdlib.OpenDB(*d.Pool.Config().ConnConfig)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	goose.SetTableName(Schema + ".goose_db_version")
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	log.Printf("[db] Migrations applied")
	return nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}
