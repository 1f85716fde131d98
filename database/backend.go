// Package database holds the persisted key-value store that sessions,
// templates and the app config write through to.
package database

import (
	"context"
	"strings"
	"sync"

	"webllm-chat/errors"

	"go.uber.org/zap"
)

// Backend kinds accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Backend stores opaque values under string keys. Get returns an error
// matching errors.IsNotFound for missing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend       string
	DSN           string
	Table         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open connects to the backend named in opts.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch kind {
	case "", BackendMemory:
		logger.Info("Using in-memory store")
		return NewMemory(), nil
	case BackendSQLite:
		s, err := NewSQLite(ctx, opts.DSN, opts.Table, logger)
		if err != nil {
			return nil, errors.WrapError(errors.ErrServiceUnavailable, err.Error())
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgres(ctx, opts.DSN, opts.Table, logger)
		if err != nil {
			return nil, errors.WrapError(errors.ErrServiceUnavailable, err.Error())
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedis(opts, logger)
		if err != nil {
			return nil, errors.WrapError(errors.ErrServiceUnavailable, err.Error())
		}
		return s, nil
	default:
		return nil, errors.WrapErrorf(errors.ErrInvalidInput, "unknown store backend %q", opts.Backend)
	}
}

// Memory is a process-local backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, notFound(key)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Close() error { return nil }

func notFound(key string) error {
	return errors.WrapErrorf(errors.ErrNotFound, "key %q", key)
}
