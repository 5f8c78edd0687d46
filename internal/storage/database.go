package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"audioscribe/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database. Only usage aggregates live here;
// jobs are never persisted.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// single writer connection
		db.SetMaxOpenConns(1)
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the ledger tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS usage_ledger (
				period TEXT NOT NULL,
				period_key TEXT NOT NULL,
				cost REAL NOT NULL DEFAULT 0,
				minutes REAL NOT NULL DEFAULT 0,
				requests INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (period, period_key)
			)`,
			`CREATE TABLE IF NOT EXISTS budget_alerts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				level TEXT NOT NULL,
				period TEXT NOT NULL,
				period_key TEXT NOT NULL,
				percent REAL NOT NULL,
				spent REAL NOT NULL,
				ceiling REAL NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_budget_alerts_key ON budget_alerts(period, period_key)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS usage_ledger (
				period VARCHAR(16) NOT NULL,
				period_key VARCHAR(16) NOT NULL,
				cost DOUBLE NOT NULL DEFAULT 0,
				minutes DOUBLE NOT NULL DEFAULT 0,
				requests BIGINT NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (period, period_key)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS budget_alerts (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				level VARCHAR(16) NOT NULL,
				period VARCHAR(16) NOT NULL,
				period_key VARCHAR(16) NOT NULL,
				percent DOUBLE NOT NULL,
				spent DOUBLE NOT NULL,
				ceiling DOUBLE NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_budget_alerts_key (period, period_key)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
