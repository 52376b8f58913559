// Package provider defines the storage backend contracts consumed by the
// controller.
//
// Two kinds of backend exist:
//   - Structured: per-table record writes plus per-visit finalization
//   - Unstructured: content-addressed blob writes (optional)
//
// Implementations live in subpackages (duckstore, parquetstore, blobstore,
// memstore). The controller never retries failed writes; an error from
// StoreRecord is attributed to its visit and surfaces when that visit is
// finalized.
package provider

import (
	"context"

	"github.com/xtxerr/packrat/internal/types"
)

// Structured is a table-oriented record store.
//
// StoreRecord calls for one visit may run concurrently with each other and
// with record intake; implementations must be safe for concurrent use.
// FinalizeVisit is only called after every StoreRecord dispatched for that
// visit has returned.
type Structured interface {
	// StoreRecord persists one record into the named table.
	StoreRecord(ctx context.Context, table types.TableName, visitID types.VisitID, record types.TableRecord) error

	// FinalizeVisit marks a visit complete. interrupted indicates the
	// visit did not finish cleanly; implementations record such visits so
	// downstream consumers can exclude or repair them.
	FinalizeVisit(ctx context.Context, visitID types.VisitID, interrupted bool) error

	// FlushCache forces any internally buffered writes to durable storage.
	FlushCache(ctx context.Context) error

	// Shutdown flushes and releases all resources. No calls may follow.
	Shutdown(ctx context.Context) error
}

// Unstructured is a content-addressed blob store.
//
// Writes are keyed by the blob's content hash, so duplicate stores of the
// same filename are expected and must be idempotent.
type Unstructured interface {
	// StoreBlob persists one blob under the given content-hash filename.
	StoreBlob(ctx context.Context, filename string, blob []byte) error

	// FlushCache forces any internally buffered writes to durable storage.
	FlushCache(ctx context.Context) error

	// Shutdown flushes and releases all resources. No calls may follow.
	Shutdown(ctx context.Context) error
}
