// Package wire provides record message framing for the packrat protocol.
//
// Records are length-delimited binary frames carrying a record type and a
// JSON payload. This allows efficient streaming of variable-length messages
// over TCP without an IDL step: table-record payloads are schemaless keyed
// mappings whose shape belongs to the producer.
//
// Frame format (binary, big-endian):
//   - Frame length (4 bytes) - length of everything after this field
//   - Type length (2 bytes) + record type string
//   - Payload bytes (JSON)
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/xtxerr/packrat/config"
	"github.com/xtxerr/packrat/internal/errors"
	"github.com/xtxerr/packrat/internal/types"
)

// Reader reads length-delimited record frames from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: config.DefaultMaxMessageSize}
}

// Read reads and decodes the next record frame.
// Returns ErrFrameTooLarge if the frame exceeds the maximum message size.
func (r *Reader) Read() (types.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return types.Record{}, err
	}
	frameLen := int(binary.BigEndian.Uint32(header[:]))
	if frameLen > r.maxSize {
		return types.Record{}, fmt.Errorf("frame of %d bytes: %w", frameLen, errors.ErrFrameTooLarge)
	}
	if frameLen < 2 {
		return types.Record{}, fmt.Errorf("frame of %d bytes: %w", frameLen, errors.ErrMalformedRecord)
	}

	buf := make([]byte, frameLen)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return types.Record{}, fmt.Errorf("read frame body: %w", err)
	}

	typeLen := int(binary.BigEndian.Uint16(buf[:2]))
	if 2+typeLen > frameLen {
		return types.Record{}, fmt.Errorf("type length %d exceeds frame: %w", typeLen, errors.ErrMalformedRecord)
	}

	return types.Record{
		Type:    string(buf[2 : 2+typeLen]),
		Payload: buf[2+typeLen:],
	}, nil
}

// Writer writes length-delimited record frames to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes a record frame.
func (w *Writer) Write(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frameLen := 2 + len(rec.Type) + len(rec.Payload)
	buf := make([]byte, 0, 4+frameLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(frameLen))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(rec.Type)))
	buf = append(buf, rec.Type...)
	buf = append(buf, rec.Payload...)

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional framing over one
// connection.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}
