// Package supervisor launches and supervises the storage controller
// process.
//
// The Handle owns the three control queues (status, completion, shutdown),
// spawns the controller daemon with the queue pipe ends as inherited file
// descriptors, and watches the status queue as a liveness heartbeat: a
// stalled controller means data is silently accumulating unflushed, so a
// missing heartbeat is a hard failure, not a soft timeout.
package supervisor

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"time"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/ipc"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/types"
)

// Options configures a Handle.
type Options struct {
	// Binary is the controller daemon executable.
	// Default config.DefaultControllerBinary, resolved through PATH.
	Binary string

	// Args are passed to the daemon (provider selection, data dirs, …).
	// The queue descriptors are inherited, not passed as arguments.
	Args []string

	// StatusTimeout is the watchdog window. Default 120s.
	StatusTimeout time.Duration

	// JoinTimeout caps how long Shutdown waits for process exit.
	// Default 300s.
	JoinTimeout time.Duration
}

// Handle supervises one controller process. Methods are not safe for
// concurrent use; the handle belongs to the platform's task manager
// goroutine.
type Handle struct {
	opts Options
	log  *slog.Logger

	cmd             *exec.Cmd
	listenerAddress string

	status     *ipc.Receiver[ipc.StatusMessage]
	completion *ipc.Receiver[ipc.Completion]
	shutdown   *ipc.Sender

	lastStatus     int
	haveStatus     bool
	lastStatusTime time.Time
}

// New creates a Handle. Launch must be called to start the controller.
func New(opts Options) *Handle {
	if opts.Binary == "" {
		opts.Binary = config.DefaultControllerBinary
	}
	if opts.StatusTimeout <= 0 {
		opts.StatusTimeout = config.DefaultStatusTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = config.DefaultJoinTimeout
	}
	return &Handle{
		opts: opts,
		log:  logging.Component("supervisor"),
	}
}

// =============================================================================
// Identifier generation
// =============================================================================

// NextVisitID returns a fresh random visit identifier in [0, 2^53).
//
// Downstream JavaScript consumers can only represent integers up to 53
// bits (Number.MAX_SAFE_INTEGER), so values are capped there. Uniqueness
// is probabilistic: collisions are astronomically unlikely at this width
// and are deliberately not guarded against.
func NextVisitID() types.VisitID {
	return types.VisitID(rand.Int64N(1 << 53))
}

// NextBrowserID returns a fresh random browser identifier in [0, 2^32).
//
// Partitioned dataset readers only support integer partition columns up
// to 32 bits. Same collision policy as NextVisitID.
func NextBrowserID() types.BrowserID {
	return types.BrowserID(rand.Uint32())
}

// NextVisitID generates a visit identifier. Pure with respect to
// controller state; callable before or during a run.
func (h *Handle) NextVisitID() types.VisitID { return NextVisitID() }

// NextBrowserID generates a browser identifier.
func (h *Handle) NextBrowserID() types.BrowserID { return NextBrowserID() }

// =============================================================================
// Launch and shutdown
// =============================================================================

// Launch starts the controller daemon and blocks until it publishes its
// record channel address on the status queue (the ready handshake).
func (h *Handle) Launch() error {
	if h.cmd != nil {
		return errors.ErrAlreadyLaunched
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create status pipe: %w", err)
	}
	completionR, completionW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create completion pipe: %w", err)
	}
	shutdownR, shutdownW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create shutdown pipe: %w", err)
	}

	cmd := exec.Command(h.opts.Binary, h.opts.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Order matters: the child sees these as descriptors 3, 4, 5.
	cmd.ExtraFiles = []*os.File{statusW, completionW, shutdownR}
	configureParentDeath(cmd)

	if err := cmd.Start(); err != nil {
		statusR.Close()
		statusW.Close()
		completionR.Close()
		completionW.Close()
		shutdownR.Close()
		shutdownW.Close()
		return fmt.Errorf("start controller process: %w", err)
	}

	// The child holds its own copies now.
	statusW.Close()
	completionW.Close()
	shutdownR.Close()

	h.cmd = cmd
	h.status = ipc.NewReceiver[ipc.StatusMessage](statusR)
	h.completion = ipc.NewReceiver[ipc.Completion](completionR)
	h.shutdown = ipc.NewSender(shutdownW)

	h.log.Info("controller process started", "pid", cmd.Process.Pid)

	msg, err := h.status.Get(h.opts.StatusTimeout)
	if err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("waiting for controller ready signal: %w", errors.ErrStatusTimeout)
	}
	if !msg.IsAddress() {
		cmd.Process.Kill()
		return errors.New("first status message did not carry the listen address")
	}

	h.listenerAddress = msg.Address
	h.lastStatusTime = time.Now()
	h.log.Info("controller ready", "address", msg.Address)
	return nil
}

// ListenerAddress returns the controller's record channel address.
// Empty before Launch and after Shutdown.
func (h *Handle) ListenerAddress() string {
	return h.listenerAddress
}

// Shutdown posts the shutdown signal and joins the controller process for
// up to the join timeout. Relaxed means the caller believes all visits are
// complete; abrupt shutdowns leave in-flight visits to be marked
// interrupted. Must be called at most once per Launch.
func (h *Handle) Shutdown(relaxed bool) error {
	if h.cmd == nil {
		return errors.ErrControllerGone
	}

	h.log.Debug("sending shutdown signal to controller", "relaxed", relaxed)
	if err := h.shutdown.Put(ipc.ShutdownSignal{Token: ipc.ShutdownToken, Relaxed: relaxed}); err != nil {
		return fmt.Errorf("post shutdown signal: %w", err)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	var joinErr error
	select {
	case joinErr = <-done:
	case <-time.After(h.opts.JoinTimeout):
		joinErr = fmt.Errorf("controller did not exit within %s", h.opts.JoinTimeout)
	}

	h.log.Debug("controller shutdown finished",
		"elapsed", time.Since(start).String(),
		"error", joinErr,
	)

	h.listenerAddress = ""
	h.cmd = nil
	h.shutdown.Close()
	return joinErr
}

// =============================================================================
// Completion and status
// =============================================================================

// NewCompletedVisits drains and returns every completion event buffered
// since the last call. Returns an empty slice when none are pending. No
// ordering is guaranteed across visits.
func (h *Handle) NewCompletedVisits() []ipc.Completion {
	if h.completion == nil {
		return nil
	}
	var out []ipc.Completion
	for {
		msg, ok := h.completion.TryGet()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

// GetStatus blocks for the next status message, up to the watchdog
// timeout. On timeout the controller is considered stalled or dead and an
// ErrStatusTimeout is returned; its process state is thereafter unknown.
// Before Launch the status queue carries nothing, so the call waits out
// the full window and reports the timeout.
func (h *Handle) GetStatus() (int, error) {
	if h.status == nil {
		time.Sleep(h.opts.StatusTimeout)
		return 0, fmt.Errorf("controller not launched: %w", errors.ErrStatusTimeout)
	}

	msg, err := h.status.Get(h.opts.StatusTimeout)
	if err != nil {
		elapsed := time.Since(h.lastStatusTime)
		return 0, fmt.Errorf("for %s: %w", elapsed.Round(time.Second), errors.ErrStatusTimeout)
	}

	h.lastStatus = msg.Depth
	h.haveStatus = true
	h.lastStatusTime = time.Now()
	return h.lastStatus, nil
}

// MostRecentStatus returns the freshest cached queue depth without
// blocking, first calling GetStatus if no status has ever been received.
// If the cached value is older than the watchdog window, the controller
// is considered stalled and an ErrStatusTimeout is returned.
func (h *Handle) MostRecentStatus() (int, error) {
	if !h.haveStatus {
		return h.GetStatus()
	}

	for {
		msg, ok := h.status.TryGet()
		if !ok {
			break
		}
		h.lastStatus = msg.Depth
		h.lastStatusTime = time.Now()
	}

	if elapsed := time.Since(h.lastStatusTime); elapsed > h.opts.StatusTimeout {
		return 0, fmt.Errorf("for %s: %w", elapsed.Round(time.Second), errors.ErrStatusTimeout)
	}
	return h.lastStatus, nil
}
