package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/logging"
)

var log = logging.Component("ipc")

// =============================================================================
// Sender
// =============================================================================

// Sender is the write end of a queue. It is safe for concurrent use within
// one process; only one process may write to a given pipe.
type Sender struct {
	f  *os.File
	mu sync.Mutex
}

// NewSender wraps the write end of a pipe.
func NewSender(f *os.File) *Sender {
	return &Sender{f: f}
}

// Put marshals v and writes it as one frame.
func (s *Sender) Put(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if len(body) > config.DefaultMaxFrameSize {
		return fmt.Errorf("queue message of %d bytes: %w", len(body), errors.ErrFrameTooLarge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, 4+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("write queue frame: %w", err)
	}
	return nil
}

// Close closes the underlying pipe end. The peer's Receiver observes the
// close as end of stream.
func (s *Sender) Close() error {
	return s.f.Close()
}

// =============================================================================
// Receiver
// =============================================================================

// Receiver is the read end of a queue. A pump goroutine decodes frames into
// a buffered channel so TryGet is truly non-blocking and Get can honor a
// timeout without partial reads off the pipe.
type Receiver[T any] struct {
	f      *os.File
	msgs   chan T
	closed atomic.Bool
}

// NewReceiver wraps the read end of a pipe and starts the pump goroutine.
func NewReceiver[T any](f *os.File) *Receiver[T] {
	r := &Receiver[T]{
		f:    f,
		msgs: make(chan T, config.DefaultQueueBuffer),
	}
	go r.pump()
	return r
}

func (r *Receiver[T]) pump() {
	defer func() {
		r.closed.Store(true)
		close(r.msgs)
	}()

	br := bufio.NewReader(r.f)
	for {
		var header [4]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				log.Debug("queue pump stopped", "error", err)
			}
			return
		}
		frameLen := int(binary.BigEndian.Uint32(header[:]))
		if frameLen > config.DefaultMaxFrameSize {
			log.Error("oversized queue frame dropped", "bytes", frameLen)
			return
		}

		body := make([]byte, frameLen)
		if _, err := io.ReadFull(br, body); err != nil {
			log.Debug("queue pump stopped mid-frame", "error", err)
			return
		}

		var msg T
		if err := json.Unmarshal(body, &msg); err != nil {
			log.Error("undecodable queue frame dropped", "error", err)
			continue
		}
		r.msgs <- msg
	}
}

// Get blocks until a message arrives or the timeout elapses.
// Returns ErrQueueEmpty on timeout and ErrQueueClosed once the peer has
// closed its end and all buffered messages are consumed.
func (r *Receiver[T]) Get(timeout time.Duration) (T, error) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-r.msgs:
		if !ok {
			return zero, errors.ErrQueueClosed
		}
		return msg, nil
	case <-timer.C:
		return zero, errors.ErrQueueEmpty
	}
}

// TryGet receives one buffered message without blocking.
// ok is false if the buffer is currently empty or the queue is closed and
// drained.
func (r *Receiver[T]) TryGet() (msg T, ok bool) {
	select {
	case msg, ok = <-r.msgs:
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Empty reports whether the receive buffer is currently empty. The answer
// is instantaneous and may change immediately after.
func (r *Receiver[T]) Empty() bool {
	return len(r.msgs) == 0
}

// Closed reports whether the peer has closed its end of the pipe.
// Buffered messages may still be pending even when Closed is true.
func (r *Receiver[T]) Closed() bool {
	return r.closed.Load()
}

// Close closes the underlying pipe end, stopping the pump. Messages already
// buffered remain receivable via TryGet.
func (r *Receiver[T]) Close() error {
	return r.f.Close()
}

// =============================================================================
// Construction helpers
// =============================================================================

// ChildFile opens one of the inherited queue descriptors in the controller
// process.
func ChildFile(fd uintptr, name string) *os.File {
	return os.NewFile(fd, name)
}
