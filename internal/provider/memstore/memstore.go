// Package memstore provides in-memory storage providers.
//
// Used as the null backend when persistence is disabled and as a test
// double with full visibility into what was stored.
package memstore

import (
	"context"
	"sync"

	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/types"
)

// =============================================================================
// Structured
// =============================================================================

// Structured is an in-memory structured provider.
// It is safe for concurrent use.
type Structured struct {
	mu sync.Mutex

	tables    map[types.TableName][]StoredRecord
	finalized map[types.VisitID]bool // visit -> interrupted
	flushes   int
	closed    bool

	// FailWrites, when set, makes every StoreRecord return this error.
	// Exercises the failure-propagation path in tests.
	FailWrites error
}

// StoredRecord is one record captured by the structured provider.
type StoredRecord struct {
	VisitID types.VisitID
	Record  types.TableRecord
}

// NewStructured creates an empty in-memory structured provider.
func NewStructured() *Structured {
	return &Structured{
		tables:    make(map[types.TableName][]StoredRecord),
		finalized: make(map[types.VisitID]bool),
	}
}

// StoreRecord appends the record to the named table.
func (s *Structured) StoreRecord(ctx context.Context, table types.TableName, visitID types.VisitID, record types.TableRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.tables[table] = append(s.tables[table], StoredRecord{VisitID: visitID, Record: record})
	return nil
}

// FinalizeVisit records the visit's terminal state.
func (s *Structured) FinalizeVisit(ctx context.Context, visitID types.VisitID, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	s.finalized[visitID] = interrupted
	return nil
}

// FlushCache counts flushes; in-memory data is always "durable".
func (s *Structured) FlushCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrProviderClosed
	}
	s.flushes++
	return nil
}

// Shutdown marks the provider closed.
func (s *Structured) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Records returns a copy of everything stored for a table.
func (s *Structured) Records(table types.TableName) []StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredRecord, len(s.tables[table]))
	copy(out, s.tables[table])
	return out
}

// Finalized reports whether the visit was finalized and whether it was
// marked interrupted.
func (s *Structured) Finalized(visitID types.VisitID) (interrupted, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	interrupted, ok = s.finalized[visitID]
	return interrupted, ok
}

// Flushes returns how many times FlushCache has been called.
func (s *Structured) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// =============================================================================
// Unstructured
// =============================================================================

// Unstructured is an in-memory blob provider.
// It is safe for concurrent use.
type Unstructured struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	closed bool
}

// NewUnstructured creates an empty in-memory blob provider.
func NewUnstructured() *Unstructured {
	return &Unstructured{blobs: make(map[string][]byte)}
}

// StoreBlob stores the blob under its content-hash filename. Re-storing an
// existing filename is a no-op, matching content-addressed semantics.
func (u *Unstructured) StoreBlob(ctx context.Context, filename string, blob []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return errors.ErrProviderClosed
	}
	if _, exists := u.blobs[filename]; exists {
		return nil
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	u.blobs[filename] = stored
	return nil
}

// FlushCache is a no-op for the in-memory provider.
func (u *Unstructured) FlushCache(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return errors.ErrProviderClosed
	}
	return nil
}

// Shutdown marks the provider closed.
func (u *Unstructured) Shutdown(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

// Blob returns the stored blob for a filename.
func (u *Unstructured) Blob(filename string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.blobs[filename]
	return b, ok
}

// Count returns the number of stored blobs.
func (u *Unstructured) Count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.blobs)
}
