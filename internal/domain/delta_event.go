package domain

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeltaOp classifies a change between two consecutive snapshots.
type DeltaOp string

const (
	OpInsert DeltaOp = "I"
	OpUpdate DeltaOp = "U"
	OpDelete DeltaOp = "D"
)

// FieldChange captures the before and after value of one column.
type FieldChange struct {
	Before *string `json:"before"`
	After  *string `json:"after"`
}

// EntityKey is the primary key tuple of an entity, kept in schema order.
type EntityKey struct {
	Columns []string
	Values  []*string
}

// MarshalJSON renders the key as an object whose members follow PK order.
func (k EntityKey) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range k.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		var value *string
		if i < len(k.Values) {
			value = k.Values[i]
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DeltaEvent is one classified change of an entity between two snapshots.
// Seq is the position of the event in primary key order within its feed.
type DeltaEvent struct {
	RunID          uuid.UUID              `json:"runId"`
	FeedName       FeedName               `json:"feedName"`
	Seq            int                    `json:"seq"`
	AsOfDate       time.Time              `json:"asOfDate"`
	Op             DeltaOp                `json:"op"`
	EntityKey      EntityKey              `json:"entityKey"`
	OldFingerprint *string                `json:"oldRowHash"`
	NewFingerprint *string                `json:"newRowHash"`
	BeforeRow      Row                    `json:"beforeRow"`
	AfterRow       Row                    `json:"afterRow"`
	ChangedFields  map[string]FieldChange `json:"changedFields"`
}

// DeltaRecord is the persisted, rendered form of a delta event used by exports.
type DeltaRecord struct {
	FeedName          FeedName        `json:"feedName"`
	Op                DeltaOp         `json:"op"`
	EntityKeyJSON     json.RawMessage `json:"entityKey"`
	BeforeRowJSON     json.RawMessage `json:"beforeRow"`
	AfterRowJSON      json.RawMessage `json:"afterRow"`
	ChangedFieldsJSON json.RawMessage `json:"changedFields"`
}

// JSONOrNil returns the raw JSON as a string pointer, mapping SQL/JSON null to nil.
func JSONOrNil(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}
