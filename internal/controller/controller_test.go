package controller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/ipc"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/provider/memstore"
	"github.com/xtxerr/packrat/internal/types"
	"github.com/xtxerr/packrat/internal/wire"
)

// harness runs a controller in-process with supervisor-side queue
// endpoints held by the test.
type harness struct {
	ctrl       *Controller
	status     *ipc.Receiver[ipc.StatusMessage]
	completion *ipc.Receiver[ipc.Completion]
	shutdown   *ipc.Sender
	errCh      chan error
	addr       string
}

func startController(t *testing.T, opts Options) *harness {
	t.Helper()
	return startControllerCtx(t, context.Background(), opts)
}

func startControllerCtx(t *testing.T, ctx context.Context, opts Options) *harness {
	t.Helper()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	completionR, completionW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	shutdownR, shutdownW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	opts.Status = ipc.NewSender(statusW)
	opts.Completion = ipc.NewSender(completionW)
	opts.Shutdown = ipc.NewReceiver[ipc.ShutdownSignal](shutdownR)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}

	h := &harness{
		ctrl:       New(opts),
		status:     ipc.NewReceiver[ipc.StatusMessage](statusR),
		completion: ipc.NewReceiver[ipc.Completion](completionR),
		shutdown:   ipc.NewSender(shutdownW),
		errCh:      make(chan error, 1),
	}

	go func() { h.errCh <- h.ctrl.Run(ctx) }()

	msg, err := h.status.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for ready signal: %v", err)
	}
	if !msg.IsAddress() {
		t.Fatalf("first status message = %+v, want address", msg)
	}
	h.addr = msg.Address

	t.Cleanup(func() {
		h.status.Close()
		h.completion.Close()
		h.shutdown.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *wire.Client {
	t.Helper()
	c, err := wire.Dial(h.addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// stop posts a shutdown signal and waits for Run to return.
func (h *harness) stop(t *testing.T, relaxed bool) error {
	t.Helper()
	if err := h.shutdown.Put(ipc.ShutdownSignal{Token: ipc.ShutdownToken, Relaxed: relaxed}); err != nil {
		t.Fatalf("post shutdown: %v", err)
	}
	return h.waitExit(t)
}

func (h *harness) waitExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not exit")
		return nil
	}
}

// =============================================================================
// Record routing and finalization
// =============================================================================

func TestFinalizeEmitsCompletionAfterWrites(t *testing.T) {
	structured := memstore.NewStructured()
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	if err := c.SendTableRecord("navigations", types.TableRecord{"visit_id": 42, "url": "https://example.com"}); err != nil {
		t.Fatalf("SendTableRecord: %v", err)
	}
	if err := c.SendMeta(types.MetaMessage{VisitID: 42, Action: types.ActionFinalize, Success: true}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}

	got, err := h.completion.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for completion: %v", err)
	}
	if got.VisitID != 42 || !got.Success {
		t.Fatalf("completion = %+v, want visit 42 success", got)
	}

	// The completion is only emitted after the write resolved.
	if n := len(structured.Records("navigations")); n != 1 {
		t.Fatalf("stored %d navigations records, want 1", n)
	}
	if interrupted, ok := structured.Finalized(42); !ok || interrupted {
		t.Fatalf("finalized(42) = %v, %v; want clean finalize", interrupted, ok)
	}

	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.ctrl.tasks) != 0 {
		t.Fatalf("task set has %d entries after finalize", len(h.ctrl.tasks))
	}
	if got := h.ctrl.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestFinalizeUnknownVisitIsNoop(t *testing.T) {
	structured := memstore.NewStructured()
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	// No writes were ever dispatched for this visit.
	if err := c.SendMeta(types.MetaMessage{VisitID: 999, Action: types.ActionFinalize, Success: false}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}

	got, err := h.completion.Get(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for completion: %v", err)
	}
	if got.VisitID != 999 || got.Success {
		t.Fatalf("completion = %+v, want visit 999 failure", got)
	}
	if interrupted, ok := structured.Finalized(999); !ok || !interrupted {
		t.Fatalf("finalized(999) = %v, %v; want interrupted", interrupted, ok)
	}

	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestInitializeIsAcknowledgedAndIgnored(t *testing.T) {
	h := startController(t, Options{Structured: memstore.NewStructured()})
	c := h.dial(t)

	if err := c.SendMeta(types.MetaMessage{VisitID: 5, Action: types.ActionInitialize}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}
	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.completion.Empty() {
		t.Fatal("Initialize produced a completion event")
	}
}

func TestContentStoredByHash(t *testing.T) {
	unstructured := memstore.NewUnstructured()
	h := startController(t, Options{
		Structured:   memstore.NewStructured(),
		Unstructured: unstructured,
	})
	c := h.dial(t)

	blob := []byte("<html>hello</html>")
	if err := c.SendContent(blob, "deadbeef01"); err != nil {
		t.Fatalf("SendContent: %v", err)
	}
	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, ok := unstructured.Blob("deadbeef01")
	if !ok {
		t.Fatal("blob was not stored")
	}
	if string(got) != string(blob) {
		t.Fatalf("blob = %q, want %q", got, blob)
	}
}

func TestContentWithoutProviderIsDropped(t *testing.T) {
	h := startController(t, Options{Structured: memstore.NewStructured()})
	c := h.dial(t)

	if err := c.SendContent([]byte("lost"), "cafebabe02"); err != nil {
		t.Fatalf("SendContent: %v", err)
	}
	// The drop is non-fatal; the loop keeps serving records.
	if err := c.SendMeta(types.MetaMessage{VisitID: 1, Action: types.ActionFinalize, Success: true}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}
	if _, err := h.completion.Get(5 * time.Second); err != nil {
		t.Fatalf("waiting for completion: %v", err)
	}
	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMalformedRecordsAreDropped(t *testing.T) {
	structured := memstore.NewStructured()
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	// Not JSON at all.
	if err := c.SendRecord(types.Record{Type: "navigations", Payload: []byte("{not json")}); err != nil {
		t.Fatalf("SendRecord: %v", err)
	}
	// Missing visit_id.
	if err := c.SendTableRecord("navigations", types.TableRecord{"url": "https://example.com"}); err != nil {
		t.Fatalf("SendTableRecord: %v", err)
	}

	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(structured.Records("navigations")); n != 0 {
		t.Fatalf("stored %d records from malformed input", n)
	}
}

// =============================================================================
// Protocol violations
// =============================================================================

func TestCreateTableRecordIsFatal(t *testing.T) {
	h := startController(t, Options{Structured: memstore.NewStructured()})
	c := h.dial(t)

	if err := c.Send(types.RecordTypeCreate, map[string]any{"table": "navigations"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	err := h.waitExit(t)
	if !errors.Is(err, errors.ErrRetiredRecordType) {
		t.Fatalf("Run = %v, want ErrRetiredRecordType", err)
	}
}

func TestUnknownMetaActionIsFatal(t *testing.T) {
	h := startController(t, Options{Structured: memstore.NewStructured()})
	c := h.dial(t)

	if err := c.SendMeta(types.MetaMessage{VisitID: 3, Action: "Explode"}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}

	err := h.waitExit(t)
	if !errors.Is(err, errors.ErrUnknownMetaAction) {
		t.Fatalf("Run = %v, want ErrUnknownMetaAction", err)
	}
}

// =============================================================================
// Failure propagation
// =============================================================================

func TestWriteFailureSurfacesAtFinalize(t *testing.T) {
	structured := memstore.NewStructured()
	structured.FailWrites = errors.New("disk full")
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	if err := c.SendTableRecord("navigations", types.TableRecord{"visit_id": 8}); err != nil {
		t.Fatalf("SendTableRecord: %v", err)
	}
	if err := c.SendMeta(types.MetaMessage{VisitID: 8, Action: types.ActionFinalize, Success: true}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}

	err := h.waitExit(t)
	if err == nil {
		t.Fatal("Run returned nil despite failed write")
	}
	if !h.completion.Empty() {
		t.Fatal("completion emitted for a failed visit")
	}
}

// =============================================================================
// Shutdown behavior
// =============================================================================

// slowStructured delays every write, keeping tasks in flight during
// shutdown. started counts dispatched writes so tests can shut down
// while they are sleeping.
type slowStructured struct {
	*memstore.Structured
	delay   time.Duration
	started atomic.Int32
}

func (s *slowStructured) StoreRecord(ctx context.Context, table types.TableName, visitID types.VisitID, record types.TableRecord) error {
	s.started.Add(1)
	time.Sleep(s.delay)
	return s.Structured.StoreRecord(ctx, table, visitID, record)
}

func TestShutdownAwaitsInflightWrites(t *testing.T) {
	structured := &slowStructured{Structured: memstore.NewStructured(), delay: 300 * time.Millisecond}
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	for i := 0; i < 3; i++ {
		if err := c.SendTableRecord("events", types.TableRecord{"visit_id": 7, "n": i}); err != nil {
			t.Fatalf("SendTableRecord: %v", err)
		}
	}

	// Wait for all three writes to be dispatched, then shut down while
	// they are still sleeping.
	for i := 0; i < 500 && structured.started.Load() < 3; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if structured.started.Load() < 3 {
		t.Fatalf("only %d of 3 writes dispatched", structured.started.Load())
	}
	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(structured.Records("events")); n != 3 {
		t.Fatalf("stored %d of 3 dispatched writes after shutdown", n)
	}
}

func TestCancellationStillDrainsAndFlushes(t *testing.T) {
	structured := &slowStructured{Structured: memstore.NewStructured(), delay: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := startControllerCtx(t, ctx, Options{Structured: structured, WriteConcurrency: 1})
	c := h.dial(t)

	for i := 0; i < 5; i++ {
		if err := c.SendTableRecord("events", types.TableRecord{"visit_id": 9, "n": i}); err != nil {
			t.Fatalf("SendTableRecord: %v", err)
		}
	}
	// Fence: finalizing an untracked visit emits a completion only once the
	// loop has worked through everything sent before it, so at this point
	// all five writes are dispatched and, with one write slot, queued.
	if err := c.SendMeta(types.MetaMessage{VisitID: 777, Action: types.ActionFinalize, Success: true}); err != nil {
		t.Fatalf("SendMeta: %v", err)
	}
	if _, err := h.completion.Get(5 * time.Second); err != nil {
		t.Fatalf("waiting for fence completion: %v", err)
	}

	// Cancellation is an abrupt shutdown; the queued writes must still
	// complete and the provider must still be flushed and shut down.
	cancel()
	if err := h.waitExit(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(structured.Records("events")); n != 5 {
		t.Fatalf("stored %d of 5 queued writes after cancellation", n)
	}
	if structured.Flushes() == 0 {
		t.Fatal("provider was not flushed after cancellation")
	}
}

func TestAbruptShutdownFlushesProviders(t *testing.T) {
	structured := memstore.NewStructured()
	h := startController(t, Options{Structured: structured})
	c := h.dial(t)

	for i := 0; i < 10; i++ {
		if err := c.SendTableRecord("events", types.TableRecord{"visit_id": 11, "n": i}); err != nil {
			t.Fatalf("SendTableRecord: %v", err)
		}
	}

	// Wait until every write landed, then pull the plug without any
	// finalize. The records must survive and the provider must be flushed
	// and shut down.
	for i := 0; i < 500 && len(structured.Records("events")) < 10; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.stop(t, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(structured.Records("events")); n != 10 {
		t.Fatalf("stored %d of 10 records after abrupt shutdown", n)
	}
	if structured.Flushes() == 0 {
		t.Fatal("provider was not flushed during shutdown")
	}
}

// =============================================================================
// Status cadence
// =============================================================================

func TestStatusSnapshotsArePushed(t *testing.T) {
	h := startController(t, Options{
		Structured:     memstore.NewStructured(),
		StatusInterval: 30 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		msg, err := h.status.Get(5 * time.Second)
		if err != nil {
			t.Fatalf("waiting for status %d: %v", i, err)
		}
		if msg.IsAddress() {
			t.Fatalf("status %d carries an address", i)
		}
		if msg.Depth < 0 {
			t.Fatalf("status %d depth = %d", i, msg.Depth)
		}
	}

	if err := h.stop(t, true); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// =============================================================================
// Idle batch commit
// =============================================================================

func TestIdleWindowForcesFullDrain(t *testing.T) {
	structured := memstore.NewStructured()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer statusR.Close()
	defer statusW.Close()

	ctrl := New(Options{
		Structured: structured,
		Status:     ipc.NewSender(statusW),
	})
	if err := ctrl.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer ctrl.server.Close()

	c, err := wire.Dial(ctrl.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 4; i++ {
		if err := c.SendTableRecord("events", types.TableRecord{"visit_id": 1, "n": i}); err != nil {
			t.Fatalf("SendTableRecord: %v", err)
		}
	}
	for i := 0; i < 100 && ctrl.server.Depth() < 4; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.server.Depth() != 4 {
		t.Fatalf("buffered %d records, want 4", ctrl.server.Depth())
	}

	// Well past the idle window: the next check must drain everything.
	ctrl.lastRecord = time.Now().Add(-2 * ctrl.opts.BatchCommitTimeout)
	if err := ctrl.commitBatchIfIdle(context.Background()); err != nil {
		t.Fatalf("commitBatchIfIdle: %v", err)
	}

	if depth := ctrl.server.Depth(); depth != 0 {
		t.Fatalf("depth = %d after idle commit, want 0", depth)
	}
	if !ctrl.lastRecord.IsZero() {
		t.Fatal("idle timer was not reset after the commit")
	}
	if err := ctrl.finishTasks(); err != nil {
		t.Fatalf("finishTasks: %v", err)
	}
	if n := len(structured.Records("events")); n != 4 {
		t.Fatalf("stored %d of 4 drained records", n)
	}
}

// recordingHandler captures log messages for assertions.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) contains(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestIdleCommitLogsLatencySummary(t *testing.T) {
	rec := &recordingHandler{}
	logging.InitWithHandler(rec)
	t.Cleanup(func() { logging.Init(slog.LevelInfo, false) })

	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer statusR.Close()
	defer statusW.Close()

	ctrl := New(Options{
		Structured: memstore.NewStructured(),
		Status:     ipc.NewSender(statusW),
	})
	if err := ctrl.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer ctrl.server.Close()

	ctrl.tracker.Observe("events", time.Millisecond)
	ctrl.lastRecord = time.Now().Add(-2 * ctrl.opts.BatchCommitTimeout)
	if err := ctrl.commitBatchIfIdle(context.Background()); err != nil {
		t.Fatalf("commitBatchIfIdle: %v", err)
	}

	if !rec.contains("write latency") {
		t.Fatal("idle commit did not log the latency summary")
	}
}

// TestIdleCommitNotTriggeredEarly covers the other side: within the
// window nothing is drained.
func TestIdleCommitNotTriggeredEarly(t *testing.T) {
	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer statusR.Close()
	defer statusW.Close()

	ctrl := New(Options{
		Structured: memstore.NewStructured(),
		Status:     ipc.NewSender(statusW),
	})
	if err := ctrl.startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer ctrl.server.Close()

	c, err := wire.Dial(ctrl.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SendTableRecord("events", types.TableRecord{"visit_id": 1}); err != nil {
		t.Fatalf("SendTableRecord: %v", err)
	}
	for i := 0; i < 100 && ctrl.server.Depth() < 1; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	ctrl.lastRecord = time.Now()
	if err := ctrl.commitBatchIfIdle(context.Background()); err != nil {
		t.Fatalf("commitBatchIfIdle: %v", err)
	}
	if depth := ctrl.server.Depth(); depth != 1 {
		t.Fatalf("depth = %d, want 1 (no early drain)", depth)
	}
}
