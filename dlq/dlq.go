// Package dlq appends dead-letter records for entries the engine chose not
// to process: malformed input records and failed user computations. The
// record shape has no analog in original_source (the original implements
// no dead-letter handling); it is designed fresh, grounded on the
// teacher's convention of explicit, JSON-tagged record structs.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/errors"
)

// Record is one dead-letter entry.
type Record struct {
	Stream    string    `json:"stream"`
	Field     string    `json:"field,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error"`
	Time      time.Time `json:"time"`
}

// Writer appends Records to `<report>:_dlq` streams.
type Writer struct {
	client *broker.Client
}

// NewWriter wraps client as a dead-letter writer.
func NewWriter(client *broker.Client) *Writer {
	return &Writer{client: client}
}

// StreamName is the dead-letter stream name for report.
func StreamName(report string) string {
	return report + ":_dlq"
}

// Write appends rec to report's dead-letter stream.
func (w *Writer) Write(ctx context.Context, report string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "dlq", "Write", "encode record")
	}
	_, err = w.client.Append(ctx, StreamName(report), data)
	return err
}
