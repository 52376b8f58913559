// Package types defines the core identifiers and record types used
// throughout the packrat ingestion pipeline.
//
// Key types:
//   - VisitID: one logical unit of producer work (a browsing visit)
//   - BrowserID: one producer instance
//   - Record: a typed message received on the record channel
//   - MetaMessage: lifecycle control messages (Initialize/Finalize)
package types

import (
	"encoding/json"
	"errors"
)

var errContentShape = errors.New("content payload must be a two-element array")

// VisitID identifies one logical unit of work. Values are capped at 53 bits
// so downstream JavaScript consumers can represent them exactly
// (Number.MAX_SAFE_INTEGER).
type VisitID int64

// BrowserID identifies one producer instance. Values are capped at 32 bits
// because partitioned dataset readers only support integer partition
// columns up to 32 bits.
type BrowserID uint32

// TableName names a structured-storage destination table.
type TableName string

// =============================================================================
// Record Types
// =============================================================================

const (
	// RecordTypeContent carries a base64 blob plus its content hash,
	// destined for the unstructured store.
	RecordTypeContent = "page_content"

	// RecordTypeMeta carries a MetaMessage for the controller itself.
	RecordTypeMeta = "meta_information"

	// RecordTypeCreate is a retired record type. Producers had schema
	// access moved ahead of launch, so receiving it is a protocol
	// violation.
	RecordTypeCreate = "create_table"
)

// Any record type other than the constants above is treated as a table
// name; its payload must be a JSON object carrying a "visit_id" field.

// Record is one message received on the inbound record channel.
// Payload is the raw JSON body; its shape depends on Type.
type Record struct {
	Type    string
	Payload json.RawMessage
}

// =============================================================================
// Meta Messages
// =============================================================================

const (
	// ActionInitialize announces a new visit. Acknowledged and otherwise
	// ignored; reserved for observability.
	ActionInitialize = "Initialize"

	// ActionFinalize signals that a visit is complete. All writes queued
	// for the visit are awaited before the visit is finalized.
	ActionFinalize = "Finalize"
)

// MetaMessage is the payload of a RecordTypeMeta record.
type MetaMessage struct {
	VisitID VisitID `json:"visit_id"`
	Action  string  `json:"action"`
	Success bool    `json:"success"`
}

// TableRecord is the decoded payload of a table record: an arbitrary
// keyed mapping that must contain a visit_id field. The schema of the
// remaining fields belongs to the producer and its table.
type TableRecord map[string]any

// VisitID extracts the visit_id field. ok is false if the field is
// missing or not numeric.
func (r TableRecord) VisitID() (VisitID, bool) {
	v, present := r["visit_id"]
	if !present {
		return 0, false
	}
	switch id := v.(type) {
	case float64:
		return VisitID(id), true
	case int64:
		return VisitID(id), true
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, false
		}
		return VisitID(n), true
	default:
		return 0, false
	}
}

// ContentPayload is the decoded payload of a page_content record:
// a two-element JSON array [base64-blob, content-hash].
type ContentPayload struct {
	Base64 string
	Hash   string
}

// DecodeContentPayload decodes the two-element array form.
func DecodeContentPayload(raw json.RawMessage) (ContentPayload, error) {
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ContentPayload{}, err
	}
	if len(parts) != 2 {
		return ContentPayload{}, errContentShape
	}
	return ContentPayload{Base64: parts[0], Hash: parts[1]}, nil
}
