// Package storage persists JSON documents by key.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keshon/chorus/datastore"
	"github.com/keshon/chorus/internal/config"
	"github.com/keshon/chorus/pkg/retrylimit"
)

// Key namespaces. Keys within a namespace are stable identifiers such as
// "relationships/alice_bob" or "profiles/1234".
const (
	NamespaceRelationships = "relationships/"
	NamespaceProfiles      = "profiles/"
)

// ErrClosed is returned once a backend has been closed.
var ErrClosed = datastore.ErrClosed

// Backend is a key -> JSON document store. Implementations make every Put
// atomic: a reader sees either the previous document or the new one.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, doc []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Stater is implemented by backends that report their own counters.
type Stater interface {
	Stats() map[string]any
}

// Open builds the backend selected by cfg.Driver.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFile(cfg.Path, cfg.AutoSave)
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "redis":
		return NewRedis(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// SaveJSON marshals v and writes it under key, retrying once with backoff.
// Marshal errors are not retried.
func SaveJSON(ctx context.Context, b Backend, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = retrylimit.Do(ctx, retrylimit.Once(), func() error {
		err := b.Put(ctx, key, doc)
		if errors.Is(err, ErrClosed) {
			return retrylimit.Fatal(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// LoadJSON reads key into v. It reports false when the key does not exist.
func LoadJSON(ctx context.Context, b Backend, key string, v any) (bool, error) {
	doc, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
