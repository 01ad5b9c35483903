package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Fakes ---

type fakeStore struct {
	mu        sync.Mutex
	claimable []Entry
	published []uuid.UUID
	failed    []uuid.UUID
	released  []uuid.UUID
}

func (s *fakeStore) Claim(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.claimable))
	batch := s.claimable[:n]
	s.claimable = s.claimable[n:]
	return batch, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeStore) Release(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	sent     []Entry
	failIDs  map[uuid.UUID]struct{}
	sendErrs int
}

func (b *fakeBroker) Publish(_ context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, fail := b.failIDs[e.ID]; fail {
		b.sendErrs++
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, e)
	return nil
}

func entry(orderID int64, eventType string, at time.Time) Entry {
	return Entry{
		ID:        uuid.New(),
		EventType: eventType,
		OrderID:   orderID,
		Payload:   []byte(`{}`),
		State:     StateInProgress,
		CreatedAt: at,
	}
}

// --- Tests ---

func TestPass_PublishesClaimedEntries(t *testing.T) {
	now := time.Now()
	e1 := entry(1, "order-started", now)
	e2 := entry(1, "stock-confirmed", now.Add(time.Millisecond))
	store := &fakeStore{claimable: []Entry{e1, e2}}
	broker := &fakeBroker{}
	p := NewPublisher(store, broker, zap.NewNop(), time.Second, 32)

	published, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	require.Len(t, broker.sent, 2)
	assert.Equal(t, e1.ID, broker.sent[0].ID)
	assert.Equal(t, e2.ID, broker.sent[1].ID)
	assert.ElementsMatch(t, []uuid.UUID{e1.ID, e2.ID}, store.published)
	assert.Empty(t, store.failed)
}

func TestPass_EmptyOutbox(t *testing.T) {
	p := NewPublisher(&fakeStore{}, &fakeBroker{}, zap.NewNop(), time.Second, 32)

	published, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestPass_FailedEntryBlocksLaterEntriesForSameOrder(t *testing.T) {
	now := time.Now()
	e1 := entry(1, "order-started", now)
	e2 := entry(1, "stock-confirmed", now.Add(time.Millisecond))
	other := entry(2, "order-started", now.Add(2*time.Millisecond))
	store := &fakeStore{claimable: []Entry{e1, e2, other}}
	broker := &fakeBroker{failIDs: map[uuid.UUID]struct{}{e1.ID: {}}}
	p := NewPublisher(store, broker, zap.NewNop(), time.Second, 32)

	published, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)

	// The failed entry is marked for retry; the later entry for the same
	// order is released unsent so per-order ordering holds. The unrelated
	// order is unaffected.
	assert.Equal(t, []uuid.UUID{e1.ID}, store.failed)
	assert.Equal(t, []uuid.UUID{e2.ID}, store.released)
	assert.Equal(t, []uuid.UUID{other.ID}, store.published)
	require.Len(t, broker.sent, 1)
	assert.Equal(t, other.ID, broker.sent[0].ID)
}

func TestPass_RetriesFailedEntryOnNextPass(t *testing.T) {
	now := time.Now()
	e1 := entry(1, "order-started", now)
	store := &fakeStore{claimable: []Entry{e1}}
	broker := &fakeBroker{failIDs: map[uuid.UUID]struct{}{e1.ID: {}}}
	p := NewPublisher(store, broker, zap.NewNop(), time.Second, 32)

	published, err := p.Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, published)
	require.Equal(t, []uuid.UUID{e1.ID}, store.failed)

	// Broker recovers; the store would offer the entry again.
	broker.failIDs = nil
	e1.Attempts++
	store.mu.Lock()
	store.claimable = []Entry{e1}
	store.mu.Unlock()

	published, err = p.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, []uuid.UUID{e1.ID}, store.published)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	p := NewPublisher(&fakeStore{}, &fakeBroker{}, zap.NewNop(), time.Millisecond, 32)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
