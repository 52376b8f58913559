// Package duckstore provides a DuckDB-backed structured storage provider.
//
// Records are buffered in memory and flushed transactionally on
// FlushCache, FinalizeVisit, and Shutdown, or once the buffer reaches the
// configured batch size. Table schemas are set up by the operator before
// the controller launches; the provider only inserts.
//
// Visits finalized with interrupted=true are recorded in the
// incomplete_visits table so downstream consumers can exclude or repair
// their data.
package duckstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/types"
)

var log = logging.Component("duckstore")

// Options configures the DuckDB provider.
type Options struct {
	// Path is the database file path. Empty means in-memory.
	Path string

	// FlushBatchSize is the number of buffered rows that triggers an
	// implicit flush. Zero means config.DefaultFlushBatchSize.
	FlushBatchSize int
}

// Store is a DuckDB-backed structured provider.
// It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	pending []pendingRow
	closed  bool

	flushBatchSize int
}

type pendingRow struct {
	query string
	args  []any
}

// New opens (or creates) the database and prepares the bookkeeping tables.
func New(opts Options) (*Store, error) {
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = config.DefaultFlushBatchSize
	}

	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS incomplete_visits (
			visit_id BIGINT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create incomplete_visits: %w", err)
	}

	return &Store{
		db:             db,
		flushBatchSize: opts.FlushBatchSize,
	}, nil
}

// DB returns the underlying database handle, for schema setup and queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// StoreRecord buffers one record for insertion into the named table.
// Columns are derived from the record's keys; composite values are stored
// as JSON text.
func (s *Store) StoreRecord(ctx context.Context, table types.TableName, visitID types.VisitID, record types.TableRecord) error {
	query, args, err := buildInsert(table, record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	s.pending = append(s.pending, pendingRow{query: query, args: args})
	if len(s.pending) >= s.flushBatchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// FinalizeVisit flushes buffered rows and, for interrupted visits, records
// the visit in incomplete_visits.
func (s *Store) FinalizeVisit(ctx context.Context, visitID types.VisitID, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	if interrupted {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO incomplete_visits (visit_id) VALUES (?)`, int64(visitID)); err != nil {
			return fmt.Errorf("record incomplete visit %d: %w", visitID, err)
		}
	}
	return nil
}

// FlushCache writes all buffered rows in one transaction.
func (s *Store) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	return s.flushLocked(ctx)
}

// Shutdown flushes buffered rows and closes the database.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	flushErr := s.flushLocked(ctx)
	s.closed = true

	if err := s.db.Close(); err != nil {
		if flushErr != nil {
			return flushErr
		}
		return fmt.Errorf("close database: %w", err)
	}
	return flushErr
}

// flushLocked writes pending rows in one transaction. Callers hold s.mu.
func (s *Store) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}
	for _, row := range s.pending {
		if _, err := tx.ExecContext(ctx, row.query, row.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("flush row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}

	log.Debug("flushed buffered rows", "rows", len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

// =============================================================================
// Insert construction
// =============================================================================

// buildInsert derives a parameterized INSERT from the record's keys.
// Keys are sorted so identical record shapes produce identical statements.
func buildInsert(table types.TableName, record types.TableRecord) (string, []any, error) {
	if err := validIdentifier(string(table)); err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	var query strings.Builder
	query.Grow(64 + len(keys)*16)
	query.WriteString(`INSERT INTO "`)
	query.WriteString(string(table))
	query.WriteString(`" (`)

	for i, k := range keys {
		if err := validIdentifier(k); err != nil {
			return "", nil, err
		}
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteByte('"')
		query.WriteString(k)
		query.WriteByte('"')

		arg, err := normalizeValue(record[k])
		if err != nil {
			return "", nil, fmt.Errorf("column %q: %w", k, err)
		}
		args = append(args, arg)
	}

	query.WriteString(") VALUES (")
	for i := range keys {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteByte('?')
	}
	query.WriteByte(')')

	return query.String(), args, nil
}

// normalizeValue maps decoded JSON values onto SQL parameters. Composite
// values are stored as JSON text.
func normalizeValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return v, nil
	default:
		text, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode composite value: %w", err)
		}
		return string(text), nil
	}
}

// validIdentifier rejects table/column names that cannot be safely quoted.
// Record types come from versioned producers, but they still travel over a
// network socket.
func validIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier: %w", errors.ErrMalformedRecord)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return fmt.Errorf("identifier %q contains %q: %w", name, r, errors.ErrMalformedRecord)
		}
	}
	return nil
}
