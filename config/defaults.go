// Package config provides configuration defaults and utilities
// for the packrat pipeline.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Record Channel Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default record-channel listen address.
	// Port 0 lets the kernel assign one; the bound address is published
	// to the supervisor through the status queue.
	// Override via config: listen
	DefaultListenAddress = "127.0.0.1:0"

	// DefaultMaxMessageSize limits record frame size to prevent OOM.
	// Page content blobs are base64 encoded, so allow some headroom.
	// Override via config: max_message_size
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// DefaultRecordQueueSize is the capacity of the in-process buffer
	// between the socket readers and the controller loop.
	// Override via config: record_queue_size
	DefaultRecordQueueSize = 10000
)

// =============================================================================
// Controller Defaults
// =============================================================================

const (
	// DefaultStatusInterval caps how often queue-depth snapshots are
	// pushed to the status queue, independent of loop iteration rate.
	DefaultStatusInterval = 5 * time.Second

	// DefaultBatchCommitTimeout is the idle window after which buffered
	// records are force-drained. Storage providers may buffer writes
	// internally; draining after an idle period bounds data staleness
	// under low or bursty traffic without a fixed batch size.
	// Override via config: batch_commit_timeout
	DefaultBatchCommitTimeout = 30 * time.Second

	// DefaultPollInterval is the longest one loop iteration blocks
	// waiting for a record before re-checking the shutdown queue.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultWriteConcurrency bounds the number of storage writes in
	// flight at once. Dispatch beyond the bound blocks the loop until a
	// write slot frees up.
	// Override via config: write_concurrency
	DefaultWriteConcurrency = 64
)

// =============================================================================
// Supervisor Defaults
// =============================================================================

const (
	// DefaultStatusTimeout is the watchdog window: if no status message
	// arrives for this long, the controller process is considered stalled
	// or dead. A stuck controller silently accumulates unflushed data, so
	// this surfaces as a hard failure.
	DefaultStatusTimeout = 120 * time.Second

	// DefaultJoinTimeout caps how long Shutdown waits for the controller
	// process to exit after the shutdown signal is posted.
	DefaultJoinTimeout = 300 * time.Second

	// DefaultControllerBinary is the controller daemon executable name,
	// resolved through PATH unless overridden.
	DefaultControllerBinary = "packratd"
)

// =============================================================================
// IPC Defaults
// =============================================================================

const (
	// DefaultQueueBuffer is the capacity of the receive-side message
	// buffer behind each supervisor queue. The pump goroutine parks when
	// it fills, which backpressures the pipe.
	DefaultQueueBuffer = 1024

	// DefaultMaxFrameSize limits supervisor-queue frame size. Control
	// messages are tiny; anything large indicates a framing bug.
	DefaultMaxFrameSize = 1 * 1024 * 1024
)

// =============================================================================
// Provider Defaults
// =============================================================================

const (
	// DefaultFlushBatchSize is the number of buffered rows that triggers
	// an implicit flush in the structured providers.
	// Override via config: structured.flush_batch_size
	DefaultFlushBatchSize = 1000

	// DefaultParquetRowGroupSize is the target rows per parquet row group.
	// Override via config: structured.parquet.row_group_size
	DefaultParquetRowGroupSize = 100000
)
