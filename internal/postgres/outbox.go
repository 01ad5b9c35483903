package postgres

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodcourt/ordering/internal/outbox"
)

// claimSQL selects claimable entries in creation order and flips them to
// in_progress in one statement. SKIP LOCKED keeps concurrent publisher
// instances from claiming the same rows. An in_progress entry whose claim
// is older than the staleness threshold was claimed by a publisher that
// died before marking it; it is claimable again so no entry is ever
// stranded.
const claimSQL = `WITH picked AS (
		SELECT id FROM outbox_entries
		WHERE state IN ('pending', 'publish_failed')
		   OR (state = 'in_progress' AND claimed_at < now() - make_interval(secs => $2))
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE outbox_entries e SET state = 'in_progress', claimed_at = now()
	FROM picked WHERE e.id = picked.id
	RETURNING e.id, e.event_type, e.order_id, e.payload, e.attempts, e.created_at`

const markPublishedSQL = `UPDATE outbox_entries
	SET state = 'published', published_at = now()
	WHERE id = $1 AND state = 'in_progress'`

const markFailedSQL = `UPDATE outbox_entries
	SET state = 'publish_failed', attempts = attempts + 1
	WHERE id = $1 AND state = 'in_progress'`

const releaseSQL = `UPDATE outbox_entries
	SET state = 'pending'
	WHERE id = $1 AND state = 'in_progress'`

// claimStaleAfter is how long a claim may sit unmarked before another
// publisher may reclaim it. Generous compared to a single broker publish so
// a live publisher is never raced on its own claim.
const claimStaleAfter = time.Minute

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL.
type OutboxStore struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
}

// NewOutboxStore returns an OutboxStore that uses the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool, staleAfter: claimStaleAfter}
}

// Claim marks up to limit claimable entries in_progress and returns them in
// creation order. Entries stranded in_progress by a crashed publisher become
// claimable again once their claim goes stale.
func (s *OutboxStore) Claim(ctx context.Context, limit int) ([]outbox.Entry, error) {
	rows, err := s.pool.Query(ctx, claimSQL, limit, s.staleAfter.Seconds())
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox entries")
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		e := outbox.Entry{State: outbox.StateInProgress}
		if err := rows.Scan(&e.ID, &e.EventType, &e.OrderID, &e.Payload, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan outbox entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read outbox entries")
	}

	sortEntries(entries)
	return entries, nil
}

// sortEntries restores the (created_at, id) claim order, which the RETURNING
// set does not guarantee. The id tie-break matches the bytewise UUID
// comparison PostgreSQL uses, keeping order deterministic under timestamp
// ties.
func sortEntries(entries []outbox.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// MarkPublished records successful delivery.
func (s *OutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, markPublishedSQL, id); err != nil {
		return errors.Wrapf(err, "mark entry %s published", id)
	}
	return nil
}

// MarkFailed leaves the entry for a later retry pass.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, markFailedSQL, id); err != nil {
		return errors.Wrapf(err, "mark entry %s failed", id)
	}
	return nil
}

// Release returns a claimed entry to pending without counting an attempt.
func (s *OutboxStore) Release(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, releaseSQL, id); err != nil {
		return errors.Wrapf(err, "release entry %s", id)
	}
	return nil
}
