package wire

import (
	stderrors "errors"
	"io"
	"net"
	"sync"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/logging"
	"github.com/xtxerr/packrat/internal/types"
)

var log = logging.Component("wire")

// RecordServer accepts producer connections and feeds their records into a
// single buffered channel consumed by the controller loop. Any number of
// producers may be connected at once; arrival order across connections is
// unconstrained.
type RecordServer struct {
	listener net.Listener
	records  chan types.Record

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecordServer starts listening on addr and begins accepting producers.
// Use port 0 to let the kernel assign one; the bound address is available
// via Addr.
func NewRecordServer(addr string, queueSize int) (*RecordServer, error) {
	if queueSize <= 0 {
		queueSize = config.DefaultRecordQueueSize
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &RecordServer{
		listener: ln,
		records:  make(chan types.Record, queueSize),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listen address.
func (s *RecordServer) Addr() string {
	return s.listener.Addr().String()
}

// Records exposes the buffered record channel. After Close, any remaining
// buffered records can still be received; the channel is then closed.
func (s *RecordServer) Records() <-chan types.Record {
	return s.records
}

// Depth returns the number of records currently buffered.
func (s *RecordServer) Depth() int {
	return len(s.records)
}

// TryNext receives one buffered record without blocking.
// ok is false if the buffer is empty or the server is closed and drained.
func (s *RecordServer) TryNext() (rec types.Record, ok bool) {
	select {
	case rec, ok = <-s.records:
		return rec, ok
	default:
		return types.Record{}, false
	}
}

// Close stops accepting, disconnects all producers, and closes the record
// channel once the reader goroutines have exited. Buffered records remain
// receivable. Close is idempotent.
func (s *RecordServer) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.records)
	})
}

func (s *RecordServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *RecordServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	r := NewReader(conn)
	for {
		rec, err := r.Read()
		if err != nil {
			if err != io.EOF && !stderrors.Is(err, net.ErrClosed) {
				log.Debug("producer connection closed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		select {
		case s.records <- rec:
		case <-s.shutdown:
			return
		}
	}
}
