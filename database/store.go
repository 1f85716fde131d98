package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"webllm-chat/errors"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// Keys and versions of the persisted stores.
const (
	ChatStoreKey         = "chat-next-web-store"
	ChatStoreVersion     = "0.1"
	ConfigStoreKey       = "app-config"
	ConfigStoreVersion   = "0.47"
	TemplateStoreKey     = "templates-store"
	TemplateStoreVersion = "0.1"
)

// envelope is the persisted form of a store.
type envelope struct {
	Version json.Number     `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Schema describes one persisted store.
type Schema[T any] struct {
	Key     string
	Version string
	// Default builds the initial state. Stored state is decoded over it, so
	// fields missing from storage keep their defaults.
	Default func() T
	// Migrate upgrades state that was written by an older version.
	Migrate func(from *version.Version, state *T)
	// Clone deep-copies a state. Without it snapshots share memory.
	Clone func(T) T
}

// Store is a typed, versioned value backed by a Backend. Every Set writes
// through.
type Store[T any] struct {
	backend Backend
	schema  Schema[T]
	logger  *zap.Logger

	mu    sync.RWMutex
	state T
}

// OpenStore loads the store once, migrating older state. A missing key
// yields the default state.
func OpenStore[T any](ctx context.Context, backend Backend, schema Schema[T], logger *zap.Logger) (*Store[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	current, err := version.NewVersion(schema.Version)
	if err != nil {
		return nil, fmt.Errorf("store %s: invalid version %q: %w", schema.Key, schema.Version, err)
	}
	s := &Store[T]{backend: backend, schema: schema, logger: logger}
	if schema.Default != nil {
		s.state = schema.Default()
	}

	raw, err := backend.Get(ctx, schema.Key)
	if errors.IsNotFound(err) {
		logger.Debug("Store not found, using defaults", zap.String("key", schema.Key))
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load store %s: %w", schema.Key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.WrapErrorf(errors.ErrInvalidInput, "decode store %s: %v", schema.Key, err)
	}
	if len(env.State) > 0 {
		if err := json.Unmarshal(env.State, &s.state); err != nil {
			return nil, errors.WrapErrorf(errors.ErrInvalidInput, "decode store %s state: %v", schema.Key, err)
		}
	}

	stored, err := version.NewVersion(env.Version.String())
	if err != nil {
		// unversioned data predates every migration
		stored = version.Must(version.NewVersion("0"))
	}
	if stored.LessThan(current) && schema.Migrate != nil {
		logger.Info("Migrating store", zap.String("key", schema.Key),
			zap.String("from", stored.String()), zap.String("to", current.String()))
		schema.Migrate(stored, &s.state)
		if err := s.write(ctx, s.state); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get returns a snapshot of the state.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clone(s.state)
}

// Set applies fn to a copy of the state and persists the result. The
// in-memory state only changes when the write succeeds.
func (s *Store[T]) Set(ctx context.Context, fn func(*T)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.clone(s.state)
	fn(&next)
	if err := s.write(ctx, next); err != nil {
		var zero T
		return zero, err
	}
	s.state = next
	return s.clone(next), nil
}

// Replace overwrites the whole state.
func (s *Store[T]) Replace(ctx context.Context, state T) error {
	_, err := s.Set(ctx, func(t *T) { *t = s.clone(state) })
	return err
}

func (s *Store[T]) clone(v T) T {
	if s.schema.Clone == nil {
		return v
	}
	return s.schema.Clone(v)
}

func (s *Store[T]) write(ctx context.Context, state T) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode store %s: %w", s.schema.Key, err)
	}
	raw, err := json.Marshal(envelope{Version: json.Number(s.schema.Version), State: stateJSON})
	if err != nil {
		return fmt.Errorf("encode store %s: %w", s.schema.Key, err)
	}
	if err := s.backend.Put(ctx, s.schema.Key, raw); err != nil {
		s.logger.Error("Failed to persist store", zap.String("key", s.schema.Key), zap.Error(err))
		return err
	}
	return nil
}

// VersionBefore reports whether v is older than target. Invalid target
// versions compare false.
func VersionBefore(v *version.Version, target string) bool {
	t, err := version.NewVersion(target)
	if err != nil || v == nil {
		return false
	}
	return v.LessThan(t)
}
