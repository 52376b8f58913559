// Package ipc provides the supervisor/controller control queues.
//
// The controller runs in a child process; the three control channels
// (status, completion, shutdown) are unidirectional pipes passed to the
// child as extra file descriptors. Messages are length-delimited JSON
// frames. Each pipe has exactly one writer process and one reader process,
// so no locking is needed beyond the per-endpoint write mutex.
//
// Frame format (binary, big-endian):
//   - Frame length (4 bytes)
//   - JSON body
package ipc

import "github.com/xtxerr/packrat/internal/types"

// File descriptor numbers the child process inherits for each queue.
// Slots 0-2 are stdio; ExtraFiles start at 3.
const (
	StatusFD     = 3 // child writes, supervisor reads
	CompletionFD = 4 // child writes, supervisor reads
	ShutdownFD   = 5 // supervisor writes, child reads
)

// ShutdownToken is the token carried by shutdown signals. The presence of
// any message on the shutdown queue triggers shutdown regardless of token
// value; the token exists for log readability.
const ShutdownToken = "SHUTDOWN"

// StatusMessage is one message on the status queue. The first message of a
// run carries the record channel's bound listen address and doubles as the
// controller's ready signal; every later message is a queue-depth snapshot.
type StatusMessage struct {
	Address string `json:"address,omitempty"`
	Depth   int    `json:"depth"`
}

// IsAddress reports whether this is the initial address/ready message.
func (m StatusMessage) IsAddress() bool { return m.Address != "" }

// Completion is one message on the completion queue: a visit whose queued
// writes have all resolved and whose finalize has run. Emitted exactly once
// per finalized visit.
type Completion struct {
	VisitID types.VisitID `json:"visit_id"`
	Success bool          `json:"success"`
}

// ShutdownSignal is the single message on the shutdown queue. Relaxed means
// the supervisor believes all visits are complete and no data loss is
// expected; an abrupt shutdown leaves in-flight visits to be marked
// interrupted at finalize.
type ShutdownSignal struct {
	Token   string `json:"token"`
	Relaxed bool   `json:"relaxed"`
}
