package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/sensor-agent/logger"
)

var mysqlDialect = dialect{
	name: "mysql",
	createMeta: `
	CREATE TABLE IF NOT EXISTS provisioning_meta (
		id INT PRIMARY KEY,
		version INT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`,
	createTable: `
	CREATE TABLE IF NOT EXISTS provisioning (
		k VARCHAR(64) PRIMARY KEY,
		v TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`,
	selectVer:   `SELECT version FROM provisioning_meta WHERE id = 1`,
	insertVer:   `INSERT INTO provisioning_meta (id, version) VALUES (1, ?)`,
	selectValue: `SELECT v FROM provisioning WHERE k = ?`,
	upsertValue: `INSERT INTO provisioning (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)`,
}

// NewMySQLStore connects to a MySQL provisioning database.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL connection test failed: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute * 5)

	logger.Info("store: connected to MySQL %s", redactDSN(dsn))
	return newSQLStore(db, mysqlDialect), nil
}
