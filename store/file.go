package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddielth/sensor-agent/logger"
)

const defaultMaxEntries = 64

type fileLayout struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// FileStore keeps entries in a single JSON document, rewritten atomically on
// every Set.
type FileStore struct {
	path       string
	maxEntries int

	mu      sync.Mutex
	entries map[string]string
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string, maxEntries int) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store: file path cannot be empty")
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &FileStore{path: path, maxEntries: maxEntries}, nil
}

func (fs *FileStore) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", filepath.Dir(fs.path), err)
	}

	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		fs.entries = make(map[string]string)
		if err := fs.flush(); err != nil {
			return err
		}
		logger.Info("store: created %s", fs.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s failed: %w", fs.path, err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("%w: %s is corrupt: %v", ErrNoFreePages, fs.path, err)
	}
	if layout.Version > FormatVersion {
		return fmt.Errorf("%w: %s has version %d, want <= %d", ErrNewVersionFound, fs.path, layout.Version, FormatVersion)
	}
	if len(layout.Entries) > fs.maxEntries {
		return fmt.Errorf("%w: %s holds %d entries (max %d)", ErrNoFreePages, fs.path, len(layout.Entries), fs.maxEntries)
	}
	if layout.Entries == nil {
		layout.Entries = make(map[string]string)
	}
	fs.entries = layout.Entries

	logger.Info("store: opened %s (%d entries)", fs.path, len(fs.entries))
	return nil
}

func (fs *FileStore) Erase() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.entries = nil
	if err := os.Remove(fs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("erase %s failed: %w", fs.path, err)
	}
	logger.Warn("store: erased %s", fs.path)
	return nil
}

func (fs *FileStore) Get(key string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.entries == nil {
		return "", ErrNotInitialized
	}
	v, ok := fs.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (fs *FileStore) Set(key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.entries == nil {
		return ErrNotInitialized
	}
	old, exists := fs.entries[key]
	if !exists && len(fs.entries) >= fs.maxEntries {
		return fmt.Errorf("%w: cannot add %s", ErrNoFreePages, key)
	}

	fs.entries[key] = value
	if err := fs.flush(); err != nil {
		if exists {
			fs.entries[key] = old
		} else {
			delete(fs.entries, key)
		}
		return err
	}
	return nil
}

// flush writes the entries through a temporary file. Caller holds mu.
func (fs *FileStore) flush() error {
	data, err := json.MarshalIndent(fileLayout{Version: FormatVersion, Entries: fs.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize store failed: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write file %s failed: %w", tmp, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("replace %s failed: %w", fs.path, err)
	}
	return nil
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries = nil
	return nil
}
