package supervisor

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/ipc"
)

// newWiredHandle builds a Handle whose queues are backed by local pipes,
// with the controller-side sender ends returned for the test to drive.
// No child process is involved.
func newWiredHandle(t *testing.T, opts Options) (*Handle, *ipc.Sender, *ipc.Sender) {
	t.Helper()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	completionR, completionW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	h := New(opts)
	h.status = ipc.NewReceiver[ipc.StatusMessage](statusR)
	h.completion = ipc.NewReceiver[ipc.Completion](completionR)

	statusSender := ipc.NewSender(statusW)
	completionSender := ipc.NewSender(completionW)
	t.Cleanup(func() {
		statusSender.Close()
		completionSender.Close()
		h.status.Close()
		h.completion.Close()
	})
	return h, statusSender, completionSender
}

// =============================================================================
// Identifier generation
// =============================================================================

func TestNextVisitIDRange(t *testing.T) {
	const max = int64(1) << 53
	for i := 0; i < 1000; i++ {
		id := int64(NextVisitID())
		if id < 0 || id >= max {
			t.Fatalf("NextVisitID = %d, outside [0, 2^53)", id)
		}
	}
}

func TestNextBrowserIDsVary(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		seen[uint32(NextBrowserID())] = true
	}
	// 1000 draws from a 32-bit space collapsing to a handful of values
	// would mean a broken generator.
	if len(seen) < 990 {
		t.Fatalf("only %d distinct browser ids in 1000 draws", len(seen))
	}
}

// =============================================================================
// Status watchdog
// =============================================================================

func TestGetStatusReadsDepth(t *testing.T) {
	h, status, _ := newWiredHandle(t, Options{StatusTimeout: time.Second})

	if err := status.Put(ipc.StatusMessage{Depth: 17}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	depth, err := h.GetStatus()
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if depth != 17 {
		t.Fatalf("depth = %d, want 17", depth)
	}
}

func TestGetStatusBeforeLaunch(t *testing.T) {
	h := New(Options{StatusTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := h.GetStatus()
	if !errors.Is(err, errors.ErrStatusTimeout) {
		t.Fatalf("err = %v, want ErrStatusTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("GetStatus returned after %s, before the watchdog window", elapsed)
	}
}

func TestMostRecentStatusBeforeLaunch(t *testing.T) {
	h := New(Options{StatusTimeout: 50 * time.Millisecond})

	if _, err := h.MostRecentStatus(); !errors.Is(err, errors.ErrStatusTimeout) {
		t.Fatalf("err = %v, want ErrStatusTimeout", err)
	}
}

func TestNewCompletedVisitsBeforeLaunch(t *testing.T) {
	h := New(Options{})
	if got := h.NewCompletedVisits(); len(got) != 0 {
		t.Fatalf("NewCompletedVisits = %v before launch", got)
	}
}

func TestGetStatusTimesOut(t *testing.T) {
	h, _, _ := newWiredHandle(t, Options{StatusTimeout: 50 * time.Millisecond})

	_, err := h.GetStatus()
	if !errors.Is(err, errors.ErrStatusTimeout) {
		t.Fatalf("err = %v, want ErrStatusTimeout", err)
	}
}

func TestMostRecentStatusKeepsLatest(t *testing.T) {
	h, status, _ := newWiredHandle(t, Options{StatusTimeout: time.Second})

	for _, depth := range []int{3, 9, 1} {
		if err := status.Put(ipc.StatusMessage{Depth: depth}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// First read blocks and consumes the oldest message.
	if _, err := h.GetStatus(); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	// Give the pump a moment to buffer the rest, then drain.
	var depth int
	var err error
	for i := 0; i < 100; i++ {
		depth, err = h.MostRecentStatus()
		if err != nil {
			t.Fatalf("MostRecentStatus: %v", err)
		}
		if depth == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (latest)", depth)
	}
}

func TestMostRecentStatusStaleIsFatal(t *testing.T) {
	h, _, _ := newWiredHandle(t, Options{StatusTimeout: 50 * time.Millisecond})

	h.haveStatus = true
	h.lastStatus = 4
	h.lastStatusTime = time.Now().Add(-time.Second)

	_, err := h.MostRecentStatus()
	if !errors.Is(err, errors.ErrStatusTimeout) {
		t.Fatalf("err = %v, want ErrStatusTimeout", err)
	}
}

func TestMostRecentStatusFallsBackToBlockingRead(t *testing.T) {
	h, status, _ := newWiredHandle(t, Options{StatusTimeout: time.Second})

	if err := status.Put(ipc.StatusMessage{Depth: 6}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Never received a status before: must block rather than report stale.
	depth, err := h.MostRecentStatus()
	if err != nil {
		t.Fatalf("MostRecentStatus: %v", err)
	}
	if depth != 6 {
		t.Fatalf("depth = %d, want 6", depth)
	}
}

// =============================================================================
// Completion draining
// =============================================================================

func TestNewCompletedVisitsDrains(t *testing.T) {
	h, _, completion := newWiredHandle(t, Options{})

	want := []ipc.Completion{
		{VisitID: 1, Success: true},
		{VisitID: 2, Success: false},
		{VisitID: 3, Success: true},
	}
	for _, c := range want {
		if err := completion.Put(c); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var got []ipc.Completion
	for i := 0; i < 100 && len(got) < len(want); i++ {
		got = append(got, h.NewCompletedVisits()...)
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != len(want) {
		t.Fatalf("drained %d completions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completion %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// A second drain finds nothing.
	if extra := h.NewCompletedVisits(); len(extra) != 0 {
		t.Fatalf("second drain returned %d completions", len(extra))
	}
}

// =============================================================================
// Lifecycle guards
// =============================================================================

func TestShutdownWithoutLaunch(t *testing.T) {
	h := New(Options{})
	if err := h.Shutdown(true); !errors.Is(err, errors.ErrControllerGone) {
		t.Fatalf("err = %v, want ErrControllerGone", err)
	}
}

func TestLaunchTwiceRefused(t *testing.T) {
	h := New(Options{})
	h.cmd = &exec.Cmd{}
	if err := h.Launch(); !errors.Is(err, errors.ErrAlreadyLaunched) {
		t.Fatalf("err = %v, want ErrAlreadyLaunched", err)
	}
}
