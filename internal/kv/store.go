package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value substrate for locally persisted state: settings,
// the API token and session timer snapshots.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Mode names the backend selected by NewStore.
type Mode string

const (
	ModeMemory   Mode = "memory"
	ModeSQLite   Mode = "sqlite"
	ModeRedis    Mode = "redis"
	ModePostgres Mode = "postgres"
)

// NewStore picks a backend from the URL scheme. An empty URL is in-memory.
func NewStore(ctx context.Context, rawURL, prefix string) (Store, Mode, error) {
	rawURL = strings.TrimSpace(rawURL)
	scheme, rest, _ := strings.Cut(rawURL, "://")
	switch strings.ToLower(scheme) {
	case "", "memory":
		return NewMemoryStore(), ModeMemory, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return nil, "", errors.New("kv: sqlite url needs a path, e.g. sqlite://state.db")
		}
		s, err := NewSQLiteStore(rest)
		if err != nil {
			return nil, "", err
		}
		return s, ModeSQLite, nil
	case "redis", "rediss":
		s, err := NewRedisStoreFromURL(ctx, rawURL, prefix)
		if err != nil {
			return nil, "", err
		}
		return s, ModeRedis, nil
	case "postgres", "postgresql":
		s, err := NewPostgresStore(ctx, rawURL)
		if err != nil {
			return nil, "", err
		}
		return s, ModePostgres, nil
	default:
		return nil, "", fmt.Errorf("kv: unsupported store url scheme %q", scheme)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kv: empty key")
	}
	return nil
}
