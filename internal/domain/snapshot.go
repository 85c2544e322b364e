package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Row holds business column values keyed by column name; nil means SQL NULL.
type Row map[string]*string

// SnapshotRow is one entity of a feed snapshot for a single as-of date.
type SnapshotRow struct {
	AsOfDate    time.Time
	Values      Row
	Fingerprint string
	SourceFile  string
	IngestedAt  time.Time
}

// Key returns the primary key tuple of the row in schema order.
func (r SnapshotRow) Key(schema FeedSchema) []*string {
	key := make([]*string, len(schema.PrimaryKey))
	for i, col := range schema.PrimaryKey {
		key[i] = r.Values[col]
	}
	return key
}

// Payload returns a copy of the business columns only.
func (r SnapshotRow) Payload(schema FeedSchema) Row {
	out := make(Row, len(schema.Columns))
	for _, col := range schema.Columns {
		out[col] = r.Values[col]
	}
	return out
}

// CanonicalJSON renders the business columns of values as a JSON object with
// sorted keys. Columns absent from values are rendered as null.
func CanonicalJSON(schema FeedSchema, values Row) ([]byte, error) {
	payload := make(map[string]*string, len(schema.Columns))
	for _, col := range schema.Columns {
		payload[col] = values[col]
	}
	// encoding/json sorts map keys, which makes the output canonical.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint returns the hex SHA-256 of the canonical JSON of the business columns.
func Fingerprint(schema FeedSchema, values Row) (string, error) {
	canonical, err := CanonicalJSON(schema, values)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
