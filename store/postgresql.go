package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/eddielth/sensor-agent/logger"
)

var postgresDialect = dialect{
	name: "postgresql",
	createMeta: `
	CREATE TABLE IF NOT EXISTS provisioning_meta (
		id INT PRIMARY KEY,
		version INT NOT NULL
	);
	`,
	createTable: `
	CREATE TABLE IF NOT EXISTS provisioning (
		k VARCHAR(64) PRIMARY KEY,
		v TEXT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);
	`,
	selectVer:   `SELECT version FROM provisioning_meta WHERE id = 1`,
	insertVer:   `INSERT INTO provisioning_meta (id, version) VALUES (1, $1)`,
	selectValue: `SELECT v FROM provisioning WHERE k = $1`,
	upsertValue: `INSERT INTO provisioning (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = CURRENT_TIMESTAMP`,
}

// NewPostgreSQLStore connects to a PostgreSQL provisioning database.
func NewPostgreSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to PostgreSQL failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("PostgreSQL connection test failed: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute * 5)

	logger.Info("store: connected to PostgreSQL %s", redactDSN(dsn))
	return newSQLStore(db, postgresDialect), nil
}
