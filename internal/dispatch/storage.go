package dispatch

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/foodcourt/ordering/internal/domain/order"
	"github.com/foodcourt/ordering/internal/outbox"
)

// Sentinel errors for the dispatch storage contract.
var (
	// ErrMissingRequestID rejects commands without a caller-supplied
	// request id. The dispatcher never generates one on the caller's
	// behalf.
	ErrMissingRequestID = errors.New("request id is required")
	// ErrRequestNotFound means no record exists for (request id, command).
	ErrRequestNotFound = errors.New("request record not found")
	// ErrDuplicateRequest is returned by Commit when another writer
	// recorded the same (request id, command) first.
	ErrDuplicateRequest = errors.New("request already recorded")
	// ErrVersionConflict is returned by Commit when the order row changed
	// since this command loaded its snapshot.
	ErrVersionConflict = errors.New("order was modified concurrently")
)

// RequestRecord caches the outcome of a previously executed command, keyed by
// the caller-supplied request id and the command name. Records are written
// once and never mutated; retention is out of scope here.
type RequestRecord struct {
	RequestID string
	Command   string
	Result    []byte
	CreatedAt time.Time
}

// CommitUnit is the atomic write produced by one command execution: the order
// snapshot (nil when no state changed), the outbox entries drained from it,
// and the request record. Storage implementations must persist all three in
// one transaction or none of them.
type CommitUnit struct {
	Order   *order.Order
	Entries []outbox.Entry
	Record  RequestRecord
}

// Storage is the persistence surface the dispatcher runs against.
type Storage interface {
	order.Store

	// GetRequest loads the record for (request id, command), or
	// ErrRequestNotFound.
	GetRequest(ctx context.Context, requestID, command string) (*RequestRecord, error)
	// Commit atomically persists the unit. A new order (Version == 0) is
	// inserted; an existing one is updated under an optimistic version
	// check, failing with ErrVersionConflict when the check misses.
	Commit(ctx context.Context, unit CommitUnit) error
}
