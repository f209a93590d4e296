package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/db"
	"github.com/agor-sh/agor/internal/store"
)

// openDatabase opens the configured dialect and runs schema initialization.
// SQLite splits into a single-connection writer and a read-only reader pool;
// postgres serves both roles from one pgx pool.
func openDatabase(cfg *config.Config, env *config.Env, log *logger.Logger) (*db.Pool, *store.Store, error) {
	var pool *db.Pool

	switch cfg.Database.Dialect {
	case "postgresql":
		if cfg.Database.URL == "" {
			return nil, nil, fmt.Errorf("postgresql dialect requires DATABASE_URL")
		}
		pg, err := db.OpenPostgres(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		shared := sqlx.NewDb(pg, "pgx")
		pool = db.NewPool(shared, shared)
		log.Info("Connected to postgres")

	default:
		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = env.DatabasePath()
		}
		writer, err := db.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, err
		}
		reader, err := db.OpenSQLiteReader(dbPath)
		if err != nil {
			_ = writer.Close()
			return nil, nil, err
		}
		pool = db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		log.Info("Opened sqlite database", zap.String("path", dbPath))
	}

	st, err := store.New(pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return pool, st, nil
}
