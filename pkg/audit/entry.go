// Package audit implements the append-only audit trail shared by the
// authorization components, with pluggable synchronous sinks.
package audit

import (
	"context"
	"time"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID           string            `json:"id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Component    string            `json:"component"`
	Event        string            `json:"event"`
	Subject      string            `json:"subject,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
	Encrypted    bool              `json:"encrypted"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	Hash         string            `json:"hash"`
}

// Sink receives audit entries. Write must not return before the entry has
// been handed to the backing store; a returned error means the entry was
// not recorded.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts an ordinary function to Sink.
type SinkFunc func(ctx context.Context, e Entry) error

func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

func (e Entry) clone() Entry {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
