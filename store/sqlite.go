package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddielth/sensor-agent/logger"
)

const sqliteBusyTimeoutMS = 5000

var sqliteDialect = dialect{
	name: "sqlite",
	createMeta: `
	CREATE TABLE IF NOT EXISTS provisioning_meta (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL
	);
	`,
	createTable: `
	CREATE TABLE IF NOT EXISTS provisioning (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`,
	selectVer:   `SELECT version FROM provisioning_meta WHERE id = 1`,
	insertVer:   `INSERT INTO provisioning_meta (id, version) VALUES (1, ?)`,
	selectValue: `SELECT v FROM provisioning WHERE k = ?`,
	upsertValue: `INSERT INTO provisioning (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`,
}

// NewSQLiteStore opens (creating if needed) a SQLite provisioning database
// at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory failed: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, sqliteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open SQLite failed: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLite connection test failed: %w", err)
	}

	logger.Info("store: opened SQLite %s", path)
	return newSQLStore(db, sqliteDialect), nil
}
