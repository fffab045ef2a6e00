// Package persistence provides the narrow record store used by the task inbox
// and the worker journal. Records are opaque byte values addressed by
// slash-separated keys; logs are append-only line streams. Implementations
// exist for a directory tree (default), SQLite and Postgres.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// store root.
var ErrInvalidKey = errors.New("invalid key")

// Backend is the storage contract shared by every implementation.
//
// Lock returns an unlock func for an exclusive, in-process lock on key. Every
// load→mutate→persist sequence on a key must hold it for its full duration.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Append(ctx context.Context, key string, line []byte) error
	ReadLog(ctx context.Context, key string) ([][]byte, error)
	Lock(key string) (unlock func())
	Name() string
	Close() error
}

// KeyLocks hands out one mutex per key, created lazily and never removed.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyLocks returns an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *KeyLocks) Lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

func (k *KeyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Len reports how many keys have been locked at least once.
func (k *KeyLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// pathLocks is shared by every file-backed store in the process so that two
// stores rooted at the same directory agree on who owns a document.
var pathLocks = NewKeyLocks()

// LockPath locks a resolved absolute filesystem path in the process-wide
// table. Callers that edit documents outside a Backend (heartbeat documents,
// the worker registry) use this.
func LockPath(absPath string) func() {
	return pathLocks.Lock(absPath)
}

// CleanKey validates and normalises a record key.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// Config selects and configures a backend.
type Config struct {
	Kind string // "file" (default), "sqlite", "postgres"
	Root string // directory for file backend; db file dir for sqlite
	DSN  string // sqlite file path or postgres connection string
}

// Open constructs the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "file":
		return NewFileBackend(cfg.Root)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Root, "xbot.db")
		}
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (supported: file, sqlite, postgres)", cfg.Kind)
	}
}
