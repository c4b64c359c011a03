package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/eddielth/sensor-agent/logger"
)

// dialect holds the statements that differ between database servers.
type dialect struct {
	name        string
	createMeta  string
	createTable string
	selectVer   string
	insertVer   string
	selectValue string
	upsertValue string
}

// SQLStore keeps provisioning entries in a database table.
type SQLStore struct {
	db *sql.DB
	d  dialect

	mu    sync.Mutex
	ready bool
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, d: d}
}

func (s *SQLStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = false

	if _, err := s.db.Exec(s.d.createMeta); err != nil {
		return fmt.Errorf("create %s meta table failed: %w", s.d.name, err)
	}
	if _, err := s.db.Exec(s.d.createTable); err != nil {
		return fmt.Errorf("create %s provisioning table failed: %w", s.d.name, err)
	}

	version, found, err := s.readVersion()
	if err != nil {
		return err
	}
	if !found {
		if _, err := s.db.Exec(s.d.insertVer, FormatVersion); err != nil {
			return fmt.Errorf("write %s store version failed: %w", s.d.name, err)
		}
		version = FormatVersion
	}
	if version > FormatVersion {
		return fmt.Errorf("%w: %s store has version %d, want <= %d", ErrNewVersionFound, s.d.name, version, FormatVersion)
	}

	s.ready = true
	logger.Info("store: %s provisioning tables ready (version %d)", s.d.name, version)
	return nil
}

// readVersion reads the version row. Query and driver failures are returned
// as they are; only a row that exists but cannot be decoded is reported as
// ErrNoFreePages.
func (s *SQLStore) readVersion() (int, bool, error) {
	rows, err := s.db.Query(s.d.selectVer)
	if err != nil {
		return 0, false, fmt.Errorf("read %s store version: %w", s.d.name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, false, fmt.Errorf("read %s store version: %w", s.d.name, err)
		}
		return 0, false, nil
	}
	var version int
	if err := rows.Scan(&version); err != nil {
		return 0, false, fmt.Errorf("%w: corrupt %s store version: %v", ErrNoFreePages, s.d.name, err)
	}
	return version, true, nil
}

func (s *SQLStore) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = false
	for _, table := range []string{"provisioning", "provisioning_meta"} {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("drop %s table %s failed: %w", s.d.name, table, err)
		}
	}
	logger.Warn("store: erased %s provisioning tables", s.d.name)
	return nil
}

func (s *SQLStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return "", ErrNotInitialized
	}
	var value string
	err := s.db.QueryRow(s.d.selectValue, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("query %s key %s failed: %w", s.d.name, key, err)
	}
	return value, nil
}

func (s *SQLStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ErrNotInitialized
	}
	if _, err := s.db.Exec(s.d.upsertValue, key, value); err != nil {
		return fmt.Errorf("write %s key %s failed: %w", s.d.name, key, err)
	}
	logger.Debug("store: wrote %s to %s", key, s.d.name)
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close %s connection failed: %w", s.d.name, err)
		}
		logger.Info("store: %s connection closed", s.d.name)
	}
	return nil
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	return "***" + dsn[at:]
}
