// Package store persists small settings values in a LevelDB database.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Store is a string key/value store.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
	Delete(key string) error
	Close() error
}

// LevelDB is a Store backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

var _ Store = (*LevelDB)(nil)

// Open opens (or creates) the database under dir.
func Open(dir string) (*LevelDB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(dir, "selection.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// OpenMemory returns a Store that lives only as long as the process.
func OpenMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (s *LevelDB) Get(key string) (string, bool, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return string(value), true, nil
}

func (s *LevelDB) Put(key, value string) error {
	if err := s.db.Put([]byte(key), []byte(value), nil); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *LevelDB) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

// ResolveDir picks the state directory: configured value, then
// $XDG_STATE_HOME/micpin, then ~/.local/state/micpin.
func ResolveDir(configured string) (string, error) {
	if dir := strings.TrimSpace(configured); dir != "" {
		return dir, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "micpin"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "micpin"), nil
}
