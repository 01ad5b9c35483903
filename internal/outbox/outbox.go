// Package outbox implements the transactional outbox: integration events are
// written in the same database transaction as the aggregate change that
// produced them, then drained to the message broker by a background publisher.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the delivery state of an outbox entry. It advances monotonically
// pending -> in_progress -> published, with publish_failed entries eligible
// for another in_progress attempt. Entries are never silently dropped.
type State string

// Outbox entry states.
const (
	StatePending       State = "pending"
	StateInProgress    State = "in_progress"
	StatePublished     State = "published"
	StatePublishFailed State = "publish_failed"
)

// Entry is one integration event awaiting (or having completed) delivery.
// The entry id doubles as the event id on the wire so consumers can dedupe.
type Entry struct {
	ID        uuid.UUID
	EventType string
	OrderID   int64
	Payload   []byte
	State     State
	Attempts  int
	CreatedAt time.Time
}

// Store persists outbox entries. Claim must flip claimable entries
// (pending or publish_failed) to in_progress under a conditional update so
// concurrent publishers never double-send the same entry.
type Store interface {
	// Claim atomically marks up to limit claimable entries as in_progress,
	// in creation order, and returns them. An in_progress entry whose claim
	// has gone stale (the claiming publisher died before marking it) counts
	// as claimable again, so a crash mid-pass never strands an entry.
	Claim(ctx context.Context, limit int) ([]Entry, error)
	// MarkPublished records successful delivery of an in_progress entry.
	MarkPublished(ctx context.Context, id uuid.UUID) error
	// MarkFailed returns an in_progress entry to publish_failed and bumps
	// its attempt counter, leaving it for a later retry pass.
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// Release returns a claimed entry to pending without counting an
	// attempt. Used to preserve per-order ordering when an earlier entry
	// for the same order failed in this pass.
	Release(ctx context.Context, id uuid.UUID) error
}
