package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// GenesisHash is the PreviousHash of the first entry in a chain.
const GenesisHash = "genesis"

var ErrChainBroken = errors.New("audit: hash chain is broken")

// Log is an in-memory, hash-chained, append-only audit log. Every entry is
// forwarded to the downstream sink, when one is set, before it is committed;
// a sink failure leaves the log unchanged.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	sequence  uint64
	chainHead string
	next      Sink
	now       func() time.Time
}

// NewLog creates a log. next may be nil for a purely in-memory trail.
func NewLog(next Sink) *Log {
	return &Log{
		entries:   make([]Entry, 0),
		chainHead: GenesisHash,
		next:      next,
		now:       time.Now,
	}
}

// Append assigns identity, sequence and chain hashes to e and records it.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e = e.clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Sequence = l.sequence + 1
	e.PreviousHash = l.chainHead

	hash, err := computeEntryHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to compute entry hash: %w", err)
	}
	e.Hash = hash

	if l.next != nil {
		if err := l.next.Write(ctx, e); err != nil {
			return Entry{}, fmt.Errorf("audit sink write failed: %w", err)
		}
	}

	l.sequence = e.Sequence
	l.chainHead = e.Hash
	l.entries = append(l.entries, e)
	return e.clone(), nil
}

// Write implements Sink so a Log can be handed to components directly.
func (l *Log) Write(ctx context.Context, e Entry) error {
	_, err := l.Append(ctx, e)
	return err
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of committed entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ChainHead returns the hash of the newest entry.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// VerifyChain recomputes every hash and link.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// Reset drops every entry and restarts the chain.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, 0)
	l.sequence = 0
	l.chainHead = GenesisHash
}

// VerifyEntries checks sequence continuity, links and content hashes of a
// chain that starts at genesis.
func VerifyEntries(entries []Entry) error {
	prev := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: sequence %d at index %d", ErrChainBroken, e.Sequence, i)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: previous hash mismatch at index %d", ErrChainBroken, i)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("failed to recompute hash at index %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("%w: integrity failure at index %d", ErrChainBroken, i)
		}
		prev = e.Hash
	}
	return nil
}

func computeEntryHash(e Entry) (string, error) {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = nil
	}
	hashable := struct {
		ID           string            `json:"id"`
		Sequence     uint64            `json:"sequence"`
		Timestamp    time.Time         `json:"timestamp"`
		Component    string            `json:"component"`
		Event        string            `json:"event"`
		Subject      string            `json:"subject"`
		Checksum     string            `json:"checksum"`
		Encrypted    bool              `json:"encrypted"`
		Metadata     map[string]string `json:"metadata"`
		PreviousHash string            `json:"previous_hash"`
	}{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Component:    e.Component,
		Event:        e.Event,
		Subject:      e.Subject,
		Checksum:     e.Checksum,
		Encrypted:    e.Encrypted,
		Metadata:     metadata,
		PreviousHash: e.PreviousHash,
	}
	return canonicalize.Digest(hashable)
}
