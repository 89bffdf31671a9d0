// Package store is the narrow adapter over the embedded DuckDB engine.
// All writes (DDL, bulk inserts, upserts) are serialized through a single
// mutex so they never interleave; reads go straight to the pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
)

type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Open opens (or creates) the DuckDB database at path and bootstraps the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	logger.Info("opening DuckDB database", zap.String("path", path))
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.Bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Exec runs a write statement under the write lock, retrying transient errors.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.execRetry(ctx, query, args...)
}

// Query runs a read statement. Reads are not serialized.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read statement expected to yield at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction under the write lock.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// BulkInsert appends rows to table in multi-row INSERT statements of at most
// batchSize rows each. cols names the columns; every row must match its length.
func (s *Store) BulkInsert(ctx context.Context, table string, cols []string, rows [][]any, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	for i := range rows {
		if len(rows[i]) != len(cols) {
			return fmt.Errorf("bulk insert %s: row %d has %d values, want %d", table, i, len(rows[i]), len(cols))
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		query, args := buildInsert(table, cols, chunk)
		if err := s.execRetry(ctx, query, args...); err != nil {
			return fmt.Errorf("bulk insert %s rows %d-%d: %w", table, start, end, err)
		}
	}
	return nil
}

func buildInsert(table string, cols []string, rows [][]any) (string, []any) {
	placeholders := "(" + strings.Repeat("?, ", len(cols)-1) + "?)"
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(") VALUES ")
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders)
		args = append(args, row...)
	}
	return sb.String(), args
}

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 15 * time.Second
	retryAttempts  = 6
)

func (s *Store) execRetry(ctx context.Context, query string, args ...any) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.Warn("transient store error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return err
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "conflict on concurrent")
}

// ToInt64 flattens the integer shapes the driver may hand back (BIGINT,
// HUGEINT, counts as float) into a plain int64. Wide-integer objects never
// leak past this boundary.
func ToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case *big.Int:
		return n.Int64()
	case big.Int:
		return n.Int64()
	case sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
	}
	return 0
}

// QueryMaps runs a read query and returns generic column-keyed rows. Integer
// columns are normalized with ToInt64; everything else passes through.
func (s *Store) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case *big.Int:
				m[c] = v.Int64()
			case []byte:
				m[c] = string(v)
			default:
				m[c] = v
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
