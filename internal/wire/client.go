package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"

	"github.com/xtxerr/packrat/internal/types"
)

// Client is the producer side of the record channel. Instrumentation
// workers hold one Client per connection and stream records to the
// controller. Client is safe for concurrent use.
type Client struct {
	conn net.Conn
	w    *Writer
}

// Dial connects to the controller's record channel at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial record channel: %w", err)
	}
	return &Client{conn: conn, w: NewWriter(conn)}, nil
}

// Send marshals payload as JSON and sends it under the given record type.
func (c *Client) Send(recordType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.w.Write(types.Record{Type: recordType, Payload: body})
}

// SendRecord sends an already-framed record.
func (c *Client) SendRecord(rec types.Record) error {
	return c.w.Write(rec)
}

// SendTableRecord sends a structured record destined for the given table.
// The record must carry a visit_id field.
func (c *Client) SendTableRecord(table types.TableName, record types.TableRecord) error {
	return c.Send(string(table), record)
}

// SendMeta sends a meta_information message.
func (c *Client) SendMeta(msg types.MetaMessage) error {
	return c.Send(types.RecordTypeMeta, msg)
}

// SendContent sends a page_content record. The blob is base64 encoded and
// paired with its content hash; the controller stores it content-addressed.
func (c *Client) SendContent(blob []byte, contentHash string) error {
	payload := [2]string{base64.StdEncoding.EncodeToString(blob), contentHash}
	return c.Send(types.RecordTypeContent, payload)
}

// Close closes the connection. Records already written are not recalled.
func (c *Client) Close() error {
	return c.conn.Close()
}
