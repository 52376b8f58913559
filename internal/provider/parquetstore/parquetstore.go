// Package parquetstore provides a Parquet-backed structured storage
// provider.
//
// Records are buffered per table and written as zstd-compressed parquet
// part files on flush. Per-table record schemas belong to the producers,
// so rows use a fixed envelope schema: identity columns plus the record
// body as JSON text. Downstream tooling projects the JSON into typed
// columns during post-processing.
//
// Layout under the data directory:
//
//	<table>/part-<unix-ms>-<seq>.parquet
//	incomplete_visits/part-<unix-ms>-<seq>.parquet
package parquetstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/types"
)

var log = logging.Component("parquetstore")

// IncompleteTable is the directory holding interrupted-visit markers.
const IncompleteTable = "incomplete_visits"

// RecordRow is the envelope schema for one stored record.
type RecordRow struct {
	Table      string `parquet:"table,zstd"`
	VisitID    int64  `parquet:"visit_id"`
	ReceivedMs int64  `parquet:"received_ms"`
	Data       string `parquet:"data,zstd"`
}

// IncompleteRow marks one interrupted visit.
type IncompleteRow struct {
	VisitID     int64 `parquet:"visit_id"`
	FinalizedMs int64 `parquet:"finalized_ms"`
}

// Options configures the Parquet provider.
type Options struct {
	// DataDir is the root directory for part files.
	DataDir string

	// FlushBatchSize is the number of buffered rows (across all tables)
	// that triggers an implicit flush. Zero means
	// config.DefaultFlushBatchSize.
	FlushBatchSize int
}

// Store is a Parquet-backed structured provider.
// It is safe for concurrent use.
type Store struct {
	dataDir        string
	flushBatchSize int

	mu       sync.Mutex
	buffered map[types.TableName][]RecordRow
	rowCount int
	seq      int
	closed   bool
}

// New creates the data directory and an empty provider.
func New(opts Options) (*Store, error) {
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = config.DefaultFlushBatchSize
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	return &Store{
		dataDir:        opts.DataDir,
		flushBatchSize: opts.FlushBatchSize,
		buffered:       make(map[types.TableName][]RecordRow),
	}, nil
}

// StoreRecord buffers one record for the named table.
func (s *Store) StoreRecord(ctx context.Context, table types.TableName, visitID types.VisitID, record types.TableRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record body: %w", err)
	}

	row := RecordRow{
		Table:      string(table),
		VisitID:    int64(visitID),
		ReceivedMs: time.Now().UnixMilli(),
		Data:       string(body),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	s.buffered[table] = append(s.buffered[table], row)
	s.rowCount++
	if s.rowCount >= s.flushBatchSize {
		return s.flushLocked()
	}
	return nil
}

// FinalizeVisit flushes buffered rows and, for interrupted visits, writes
// an incomplete_visits marker.
func (s *Store) FinalizeVisit(ctx context.Context, visitID types.VisitID, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if interrupted {
		marker := IncompleteRow{VisitID: int64(visitID), FinalizedMs: time.Now().UnixMilli()}
		path := s.nextPartPath(IncompleteTable)
		if err := writePart(path, []IncompleteRow{marker}); err != nil {
			return fmt.Errorf("record incomplete visit %d: %w", visitID, err)
		}
	}
	return nil
}

// FlushCache writes all buffered rows to part files.
func (s *Store) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	return s.flushLocked()
}

// Shutdown flushes buffered rows and marks the provider closed.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	return err
}

// flushLocked writes one part file per buffered table. Callers hold s.mu.
func (s *Store) flushLocked() error {
	for table, rows := range s.buffered {
		if len(rows) == 0 {
			continue
		}
		path := s.nextPartPath(string(table))
		if err := writePart(path, rows); err != nil {
			return fmt.Errorf("flush table %s: %w", table, err)
		}
		log.Debug("wrote part file", "table", string(table), "rows", len(rows), "path", path)
		delete(s.buffered, table)
	}
	s.rowCount = 0
	return nil
}

func (s *Store) nextPartPath(table string) string {
	s.seq++
	name := fmt.Sprintf("part-%d-%04d.parquet", time.Now().UnixMilli(), s.seq)
	return filepath.Join(s.dataDir, table, name)
}

// writePart writes rows to a single parquet file, creating the table
// directory as needed.
func writePart[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create part file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](f, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return f.Close()
}

// ReadPart reads all rows of one part file. Exposed for verification
// tooling and tests.
func ReadPart[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("read part file: %w", err)
	}
	return rows, nil
}
