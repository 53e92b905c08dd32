package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/creditledger/internal/generation"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	storeDriverGorm  = "gorm"
	storeDriverPGX   = "pgx"
	databasePostgres = "postgres"
	databaseSQLite   = "sqlite"
)

type storeSet struct {
	ledger ledger.Store
	jobs   generation.JobStore
	close  func()
}

// openStores builds the ledger and job stores over one database. The pgx driver applies pgstore.Schema;
// the gorm driver auto-migrates its models.
func openStores(ctx context.Context, storeDriver string, dsn string) (storeSet, error) {
	database, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return storeSet{}, err
	}
	if storeDriver == storeDriverPGX {
		if database != databasePostgres {
			return storeSet{}, fmt.Errorf("store driver %s requires a postgres database url", storeDriverPGX)
		}
		return openPGXStores(ctx, dsn)
	}

	var gormDB *gorm.DB
	switch database {
	case databasePostgres:
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case databaseSQLite:
		gormDB, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return storeSet{}, fmt.Errorf("unsupported database scheme %q", database)
	}
	if err != nil {
		return storeSet{}, err
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return storeSet{}, err
	}
	if err := gormstore.AutoMigrate(gormDB.WithContext(ctx)); err != nil {
		_ = sqlDB.Close()
		return storeSet{}, fmt.Errorf("auto migrate: %w", err)
	}
	return storeSet{
		ledger: gormstore.New(gormDB),
		jobs:   gormstore.NewJobStore(gormDB),
		close:  func() { _ = sqlDB.Close() },
	}, nil
}

func openPGXStores(ctx context.Context, dsn string) (storeSet, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return storeSet{}, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return storeSet{}, err
	}
	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return storeSet{}, err
	}
	return storeSet{ledger: store, jobs: pgstore.NewJobStore(pool), close: pool.Close}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return databasePostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseSQLite, sqlitePath, err
	}
	// Anything else is a sqlite file path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return databaseSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
