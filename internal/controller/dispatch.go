package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/ipc"
	"github.com/xtxerr/packrat/internal/types"
)

// processRecord classifies one record and dispatches it.
//
// Malformed records are logged and dropped. A create_table record or an
// unrecognized meta action is a protocol violation: the producer side is a
// versioned internal client, so a mismatch must abort rather than be
// silently swallowed.
func (c *Controller) processRecord(ctx context.Context, rec types.Record) error {
	if rec.Type == "" {
		c.log.Error("record with empty type dropped")
		return nil
	}

	c.log.Debug("received record", "record_type", rec.Type)

	switch rec.Type {
	case types.RecordTypeCreate:
		return errors.ErrRetiredRecordType

	case types.RecordTypeContent:
		return c.handleContent(ctx, rec.Payload)

	case types.RecordTypeMeta:
		var msg types.MetaMessage
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			c.log.Error("undecodable meta message dropped", "error", err)
			return nil
		}
		return c.handleMeta(ctx, msg)

	default:
		return c.dispatchTableRecord(ctx, rec)
	}
}

// handleContent stores a page_content blob, keyed by its content hash.
// Content storage is optional: with no unstructured provider configured
// the blob is logged and dropped, an explicit opt-out rather than an
// error. The write is awaited inline; content blobs are not tracked
// per visit.
func (c *Controller) handleContent(ctx context.Context, payload json.RawMessage) error {
	if c.opts.Unstructured == nil {
		c.log.Error("tried to save content without an unstructured storage provider; record dropped")
		return nil
	}

	content, err := types.DecodeContentPayload(payload)
	if err != nil {
		c.log.Error("malformed content payload dropped", "error", err)
		return nil
	}

	blob, err := base64.StdEncoding.DecodeString(content.Base64)
	if err != nil {
		c.log.Error("undecodable content blob dropped", "hash", content.Hash, "error", err)
		return nil
	}

	start := time.Now()
	if err := c.opts.Unstructured.StoreBlob(ctx, content.Hash, blob); err != nil {
		return fmt.Errorf("store blob %s: %w", content.Hash, err)
	}
	c.tracker.Observe(types.TableName(types.RecordTypeContent), time.Since(start))
	return nil
}

// dispatchTableRecord queues a structured write for the record's visit.
// Dispatch returns immediately; the write runs concurrently with further
// record intake and is only awaited at finalize or during the shutdown
// sweep. Concurrency is bounded by the write semaphore.
func (c *Controller) dispatchTableRecord(ctx context.Context, rec types.Record) error {
	var record types.TableRecord
	if err := json.Unmarshal(rec.Payload, &record); err != nil {
		c.log.Error("undecodable table record dropped", "table", rec.Type, "error", err)
		return nil
	}

	visitID, ok := record.VisitID()
	if !ok {
		c.log.Error("table record without visit_id dropped", "table", rec.Type)
		return nil
	}

	table := types.TableName(rec.Type)
	vg := c.tasks.group(visitID)
	vg.count++
	vg.g.Go(func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)

		start := time.Now()
		err := c.opts.Structured.StoreRecord(ctx, table, visitID, record)
		c.tracker.Observe(table, time.Since(start))
		return err
	})
	return nil
}

// handleMeta processes lifecycle messages from producers.
//
// Initialize is acknowledged and otherwise ignored; it is reserved for
// observability. Finalize joins every write queued for the visit, runs the
// structured provider's finalize, and emits exactly one completion event.
func (c *Controller) handleMeta(ctx context.Context, msg types.MetaMessage) error {
	c.log.Info("received meta message", "action", msg.Action, "visit_id", int64(msg.VisitID))

	switch msg.Action {
	case types.ActionInitialize:
		return nil

	case types.ActionFinalize:
		if err := c.tasks.wait(msg.VisitID); err != nil {
			return fmt.Errorf("visit %d write failed: %w", msg.VisitID, err)
		}
		c.log.Debug("awaited all writes for visit",
			"visit_id", int64(msg.VisitID),
			"writes", c.tasks.count(msg.VisitID),
		)

		if err := c.opts.Structured.FinalizeVisit(ctx, msg.VisitID, !msg.Success); err != nil {
			return fmt.Errorf("finalize visit %d: %w", msg.VisitID, err)
		}
		if err := c.opts.Completion.Put(ipc.Completion{VisitID: msg.VisitID, Success: msg.Success}); err != nil {
			return fmt.Errorf("emit completion for visit %d: %w", msg.VisitID, err)
		}
		c.tasks.remove(msg.VisitID)
		return nil

	default:
		return fmt.Errorf("action %q: %w", msg.Action, errors.ErrUnknownMetaAction)
	}
}
