package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultTable = "webllm_store"

type dialect struct {
	driver string
	schema string
	get    string
	put    string
	del    string
}

func newDialect(driver, table string) dialect {
	t := pq.QuoteIdentifier(table)
	switch driver {
	case "pgx":
		return dialect{
			driver: driver,
			schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				store_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ DEFAULT NOW()
			)`, t),
			get: fmt.Sprintf(`SELECT value FROM %s WHERE store_key = $1`, t),
			put: fmt.Sprintf(`INSERT INTO %s (store_key, value, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT (store_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, t),
			del: fmt.Sprintf(`DELETE FROM %s WHERE store_key = $1`, t),
		}
	default:
		return dialect{
			driver: driver,
			schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				store_key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`, t),
			get: fmt.Sprintf(`SELECT value FROM %s WHERE store_key = ?`, t),
			put: fmt.Sprintf(`INSERT INTO %s (store_key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT (store_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, t),
			del: fmt.Sprintf(`DELETE FROM %s WHERE store_key = ?`, t),
		}
	}
}

// SQLStore keeps values in a single two-column table. It serves both the
// sqlite and the postgres backends.
type SQLStore struct {
	DB      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// NewSQLite opens (or creates) the sqlite database at path.
func NewSQLite(ctx context.Context, path, table string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		path = "webllm-chat.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, "sqlite", table, logger)
}

// NewPostgres connects to postgres through the pgx stdlib driver.
func NewPostgres(ctx context.Context, connStr, table string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, db, "pgx", table, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, driver, table string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = defaultTable
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLStore{DB: db, dialect: newDialect(driver, table), logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Successfully connected to the database", zap.String("driver", driver), zap.String("table", table))
	return s, nil
}

// EnsureSchema creates the store table if it does not already exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to execute schema statement: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, s.dialect.get, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	var updated any = time.Now()
	if s.dialect.driver == "sqlite" {
		updated = time.Now().Unix()
	}
	if _, err := s.DB.ExecContext(ctx, s.dialect.put, key, string(value), updated); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, s.dialect.del, key)
	return err
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}
