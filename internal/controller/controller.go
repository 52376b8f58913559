// Package controller implements the storage controller: the single
// consumer of the record channel, routing records to storage providers and
// tracking per-visit completion.
//
// The controller runs in its own process, supervised through three queues
// (see internal/ipc and internal/supervisor). Its loop is a single
// goroutine; dispatched storage writes run concurrently but all
// controller-local state is only touched between the loop's suspension
// points, so it needs no locking.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/ipc"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/provider"
	"github.com/xtxerr/packrat/internal/stats"
	"github.com/xtxerr/packrat/internal/wire"
)

// Options configures a Controller.
type Options struct {
	// Structured is the table-record backend (required).
	Structured provider.Structured

	// Unstructured is the blob backend. Nil disables content storage:
	// page_content records are then logged and dropped.
	Unstructured provider.Unstructured

	// Status is the supervisor-bound status queue. The first message of a
	// run carries the record channel's bound address.
	Status *ipc.Sender

	// Completion is the supervisor-bound completion queue.
	Completion *ipc.Sender

	// Shutdown is the shutdown-signal queue, polled each loop iteration.
	Shutdown *ipc.Receiver[ipc.ShutdownSignal]

	// ListenAddress is the record channel listen address.
	// Default config.DefaultListenAddress (kernel-assigned port).
	ListenAddress string

	// RecordQueueSize is the inbound record buffer capacity.
	RecordQueueSize int

	// StatusInterval caps status pushes. Default 5s.
	StatusInterval time.Duration

	// BatchCommitTimeout is the idle window that forces a full drain of
	// buffered records. Default 30s.
	BatchCommitTimeout time.Duration

	// PollInterval is the longest one iteration blocks waiting for a
	// record. Default 100ms.
	PollInterval time.Duration

	// WriteConcurrency bounds concurrent storage writes. Default 64.
	WriteConcurrency int64
}

// Controller consumes the record channel and drives the storage providers.
type Controller struct {
	opts Options
	log  *slog.Logger

	server  *wire.RecordServer
	tasks   taskSet
	sem     *semaphore.Weighted
	tracker *stats.LatencyTracker

	state atomic.Int32

	// Loop-local time bookkeeping. Zero lastRecord means no record has
	// been received since the last batch commit.
	lastStatus time.Time
	lastRecord time.Time

	// relaxed is the shutdown mode captured from the shutdown signal.
	relaxed bool

	recordsReceived int64
}

// New creates a Controller. Run must be called to start it.
func New(opts Options) *Controller {
	if opts.ListenAddress == "" {
		opts.ListenAddress = config.DefaultListenAddress
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = config.DefaultStatusInterval
	}
	if opts.BatchCommitTimeout <= 0 {
		opts.BatchCommitTimeout = config.DefaultBatchCommitTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = config.DefaultWriteConcurrency
	}

	c := &Controller{
		opts:    opts,
		log:     logging.Component("controller"),
		tasks:   make(taskSet),
		sem:     semaphore.NewWeighted(opts.WriteConcurrency),
		tracker: stats.NewLatencyTracker(),
	}
	c.state.Store(int32(StateCreated))
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Addr returns the record channel's bound address. Empty before Run.
func (c *Controller) Addr() string {
	if c.server == nil {
		return ""
	}
	return c.server.Addr()
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state transition", "state", s.String())
}

// Run executes the controller until a shutdown signal arrives (or ctx is
// cancelled, which is treated as an abrupt shutdown). On exit the inbound
// buffer is fully drained, every pending write is awaited, and both
// providers are flushed and shut down.
//
// ctx only gates the running loop. Storage operations run against the
// background context: cancellation is cooperative here, and an abrupt
// shutdown must still drain and flush rather than poison queued writes
// with an already-cancelled context.
//
// A non-nil return is fatal: protocol violations and storage failures are
// not retried or absorbed at this layer.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.startup(); err != nil {
		return err
	}
	// Idempotent; releases the listener on fatal error paths too.
	defer c.server.Close()

	opCtx := context.Background()

	c.setState(StateRunning)
	for {
		stop, err := c.shouldShutdown(ctx)
		if err != nil {
			return err
		}
		if stop {
			break
		}

		c.pushStatusIfDue()

		if err := c.commitBatchIfIdle(opCtx); err != nil {
			return err
		}

		if err := c.pollOnce(opCtx); err != nil {
			return err
		}
	}

	c.setState(StateDraining)
	c.server.Close()
	if err := c.drainQueue(opCtx); err != nil {
		return err
	}

	c.setState(StateFinishingTasks)
	if err := c.finishTasks(); err != nil {
		return err
	}

	c.setState(StateShuttingDown)
	if err := c.shutdownProviders(opCtx); err != nil {
		return err
	}

	c.tracker.LogSummary(c.log)
	c.log.Info("controller stopped",
		"records_received", c.recordsReceived,
		"relaxed", c.relaxed,
	)
	c.setState(StateStopped)
	return nil
}

// startup opens the record channel and publishes its bound address on the
// status queue. That message doubles as the ready signal the supervisor
// blocks on.
func (c *Controller) startup() error {
	server, err := wire.NewRecordServer(c.opts.ListenAddress, c.opts.RecordQueueSize)
	if err != nil {
		return fmt.Errorf("open record channel: %w", err)
	}
	c.server = server

	if err := c.opts.Status.Put(ipc.StatusMessage{Address: server.Addr()}); err != nil {
		server.Close()
		return fmt.Errorf("publish listen address: %w", err)
	}

	c.lastStatus = time.Now()
	c.setState(StateStarted)
	c.log.Info("record channel open", "address", server.Addr())
	return nil
}

// shouldShutdown polls the shutdown queue without blocking. Context
// cancellation counts as an abrupt (relaxed=false) shutdown.
func (c *Controller) shouldShutdown(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		c.relaxed = false
		c.log.Info("context cancelled, shutting down")
		return true, nil
	default:
	}

	sig, ok := c.opts.Shutdown.TryGet()
	if !ok {
		// A closed, drained shutdown queue means the supervisor is gone;
		// treat it like an abrupt shutdown rather than running headless.
		if c.opts.Shutdown.Closed() && c.opts.Shutdown.Empty() {
			c.relaxed = false
			c.log.Warn("shutdown queue closed by peer, shutting down")
			return true, nil
		}
		return false, nil
	}
	c.relaxed = sig.Relaxed
	c.log.Info("received shutdown signal", "token", sig.Token, "relaxed", sig.Relaxed)
	return true, nil
}

// pushStatusIfDue sends a queue-depth snapshot at most once per status
// interval, decoupling push frequency from loop iteration rate.
func (c *Controller) pushStatusIfDue() {
	if time.Since(c.lastStatus) < c.opts.StatusInterval {
		return
	}
	depth := c.server.Depth()
	if err := c.opts.Status.Put(ipc.StatusMessage{Depth: depth}); err != nil {
		c.log.Error("status push failed", "error", err)
		return
	}
	c.log.Debug("status update", "queue_depth", depth)
	c.lastStatus = time.Now()
}

// commitBatchIfIdle force-drains buffered records once no new record has
// arrived for the batch commit window. Providers may buffer writes
// internally; this bounds staleness under low or bursty traffic.
func (c *Controller) commitBatchIfIdle(ctx context.Context) error {
	if c.lastRecord.IsZero() {
		return nil
	}
	idle := time.Since(c.lastRecord)
	if idle < c.opts.BatchCommitTimeout {
		return nil
	}

	c.log.Debug("committing batch after idle period", "idle", idle.String())
	if err := c.drainQueue(ctx); err != nil {
		return err
	}
	c.tracker.LogSummary(c.log)
	c.lastRecord = time.Time{}
	return nil
}

// pollOnce waits up to the poll interval for one record and processes it.
func (c *Controller) pollOnce(ctx context.Context) error {
	select {
	case rec, ok := <-c.server.Records():
		if !ok {
			return nil
		}
		c.lastRecord = time.Now()
		c.recordsReceived++
		return c.processRecord(ctx, rec)
	case <-time.After(c.opts.PollInterval):
		return nil
	}
}

// drainQueue synchronously processes every currently buffered record.
func (c *Controller) drainQueue(ctx context.Context) error {
	drained := 0
	for {
		rec, ok := c.server.TryNext()
		if !ok {
			break
		}
		c.recordsReceived++
		if err := c.processRecord(ctx, rec); err != nil {
			return err
		}
		drained++
	}
	if drained > 0 {
		c.log.Info("drained buffered records", "count", drained)
	}
	return nil
}

// finishTasks joins every still-pending write group. A write failure is
// attributed to its visit and propagated; this layer does not retry.
func (c *Controller) finishTasks() error {
	for _, visitID := range c.tasks.pendingVisits() {
		if err := c.tasks.wait(visitID); err != nil {
			return fmt.Errorf("visit %d: %w", visitID, err)
		}
	}
	return nil
}

// shutdownProviders flushes and shuts down both providers. The inbound
// channel is already drained by the time this runs.
func (c *Controller) shutdownProviders(ctx context.Context) error {
	if err := c.opts.Structured.FlushCache(ctx); err != nil {
		return fmt.Errorf("flush structured provider: %w", err)
	}
	if err := c.opts.Structured.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down structured provider: %w", err)
	}
	if c.opts.Unstructured != nil {
		if err := c.opts.Unstructured.FlushCache(ctx); err != nil {
			return fmt.Errorf("flush unstructured provider: %w", err)
		}
		if err := c.opts.Unstructured.Shutdown(ctx); err != nil {
			return fmt.Errorf("shut down unstructured provider: %w", err)
		}
	}
	return nil
}
