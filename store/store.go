// Package store persists provisioning data (network identity, broker
// address, device id) in a small versioned key-value store.
package store

import (
	"errors"
	"fmt"
)

// FormatVersion is the layout version written by this build. A store written
// by a newer build reports ErrNewVersionFound.
const FormatVersion = 2

var (
	// ErrNoFreePages is returned when the store is full or unreadable.
	ErrNoFreePages = errors.New("store: no free pages")
	// ErrNewVersionFound is returned when the store was written in a newer format.
	ErrNewVersionFound = errors.New("store: newer format version found")
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("store: key not found")
	// ErrNotInitialized is returned when the store is used before Init.
	ErrNotInitialized = errors.New("store: not initialized")
)

// Store is a persistent key-value store.
type Store interface {
	// Init opens the store. It returns an error matching ErrNoFreePages or
	// ErrNewVersionFound when the store must be erased before use.
	Init() error
	// Erase destroys all stored data. Init must be called again afterwards.
	Erase() error
	Get(key string) (string, error)
	Set(key, value string) error
	Close() error
}

// NeedsErase reports whether an Init error can be cleared by Erase.
func NeedsErase(err error) bool {
	return errors.Is(err, ErrNoFreePages) || errors.Is(err, ErrNewVersionFound)
}

// Type selects a store backend.
type Type string

const (
	File       Type = "file"
	MySQL      Type = "mysql"
	PostgreSQL Type = "postgresql"
	SQLite     Type = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Type       string
	Path       string
	DSN        string
	MaxEntries int
}

// NewStore creates the configured backend. The store is not initialized.
func NewStore(cfg Config) (Store, error) {
	switch Type(cfg.Type) {
	case File, "":
		return NewFileStore(cfg.Path, cfg.MaxEntries)
	case MySQL:
		return NewMySQLStore(cfg.DSN)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStore(cfg.DSN)
	case SQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
