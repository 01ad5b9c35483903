package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/foodcourt/ordering/internal/outbox"
)

func TestSortEntries(t *testing.T) {
	now := time.Now()
	a := outbox.Entry{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: now}
	b := outbox.Entry{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: now}
	c := outbox.Entry{ID: uuid.New(), CreatedAt: now.Add(-time.Second)}
	d := outbox.Entry{ID: uuid.New(), CreatedAt: now.Add(time.Second)}

	entries := []outbox.Entry{d, b, a, c}
	sortEntries(entries)

	// Creation order first; identical timestamps fall back to the id, the
	// same tie-break the claim query uses.
	assert.Equal(t, []outbox.Entry{c, a, b, d}, entries)
}

func TestSortEntries_TimestampTiesAreDeterministic(t *testing.T) {
	now := time.Now()
	tied := []outbox.Entry{
		{ID: uuid.New(), CreatedAt: now},
		{ID: uuid.New(), CreatedAt: now},
		{ID: uuid.New(), CreatedAt: now},
	}

	first := append([]outbox.Entry{}, tied[2], tied[0], tied[1])
	second := append([]outbox.Entry{}, tied[1], tied[2], tied[0])
	sortEntries(first)
	sortEntries(second)

	assert.Equal(t, first, second)
}
