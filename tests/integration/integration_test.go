//go:build integration

package integration

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/foodcourt/ordering/internal/consumer"
	"github.com/foodcourt/ordering/internal/dispatch"
	"github.com/foodcourt/ordering/internal/domain/order"
	"github.com/foodcourt/ordering/internal/event"
	"github.com/foodcourt/ordering/internal/outbox"
	"github.com/foodcourt/ordering/internal/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ordering"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}

	pool, err = postgres.NewPool(ctx, connStr)
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

// --- Test wiring ---

// memBroker collects published entries in memory; failing lets a test force
// a delivery error for specific entries.
type memBroker struct {
	mu      sync.Mutex
	sent    []outbox.Entry
	failing bool
}

func (b *memBroker) Publish(_ context.Context, e outbox.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("broker unavailable")
	}
	b.sent = append(b.sent, e)
	return nil
}

func newDispatcher(t *testing.T) (*dispatch.Dispatcher, *postgres.Store) {
	t.Helper()
	store := postgres.NewStore(pool)
	svc := order.NewService(store)
	seen := dispatch.NewSeenFilter(10_000, 0.001)
	return dispatch.NewDispatcher(store, svc, seen, zap.NewNop()), store
}

func createOrder(t *testing.T, d *dispatch.Dispatcher) dispatch.Result {
	t.Helper()
	res, err := d.Execute(context.Background(), uuid.New(), order.CreateOrder{
		BuyerID: "buyer-1",
		Address: order.Address{Street: "1 Main St", City: "Springfield", ZipCode: "12345"},
		Items: []order.LineItem{
			{ProductID: 10, ProductName: "Widget", UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
		},
		DeliveryFee: decimal.RequireFromString("2.50"),
	})
	require.NoError(t, err)
	return res
}

func countOutbox(t *testing.T, orderID int64, eventType, state string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM outbox_entries WHERE order_id = $1 AND event_type = $2 AND state = $3`,
		orderID, eventType, state,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

// --- Tests ---

func TestCreateOrder_CommitsAtomically(t *testing.T) {
	d, store := newDispatcher(t)
	requestID := uuid.New()
	ctx := context.Background()

	cmd := order.CreateOrder{
		BuyerID: "buyer-1",
		Address: order.Address{Street: "1 Main St", City: "Springfield", ZipCode: "12345"},
		Items: []order.LineItem{
			{ProductID: 10, UnitPrice: decimal.RequireFromString("10.00"), Quantity: 2},
		},
		DeliveryFee: decimal.RequireFromString("2.50"),
	}

	first, err := d.Execute(ctx, requestID, cmd)
	require.NoError(t, err)
	assert.Equal(t, string(order.StatusStockConfirmed), first.Status)

	// Retrying the same request returns the cached result and creates
	// nothing new.
	second, err := d.Execute(ctx, requestID, cmd)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	o, err := store.Get(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusStockConfirmed, o.Status)
	assert.Equal(t, int64(1), o.Version)
	assert.True(t, decimal.RequireFromString("22.50").Equal(o.Total))

	assert.Equal(t, 1, countOutbox(t, first.OrderID, "order-started", "pending"))
	assert.Equal(t, 1, countOutbox(t, first.OrderID, "stock-confirmed", "pending"))
}

func TestBusinessRefusal_IsRecorded(t *testing.T) {
	d, store := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	shipID := uuid.New()
	_, err := d.Execute(ctx, shipID, order.ShipOrder{OrderID: res.OrderID})

	var trErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &trErr)

	cached, err := d.Execute(ctx, shipID, order.ShipOrder{OrderID: res.OrderID})
	require.NoError(t, err)
	assert.Equal(t, trErr.Error(), cached.Error)

	o, err := store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusStockConfirmed, o.Status)
	assert.Equal(t, int64(1), o.Version)
}

func TestOutboxPublisher_DrainsAndRetries(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	broker := &memBroker{failing: true}
	outboxStore := postgres.NewOutboxStore(pool)
	// Large batch so entries from concurrently running tests do not split
	// this order's events across passes.
	p := outbox.NewPublisher(outboxStore, broker, zap.NewNop(), time.Second, 1000)

	// First pass fails: the order-started entry goes to publish_failed and
	// the stock-confirmed entry behind it is released unsent.
	_, err := p.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countOutbox(t, res.OrderID, "order-started", "publish_failed"))
	assert.Equal(t, 1, countOutbox(t, res.OrderID, "stock-confirmed", "pending"))

	// Broker recovers: both entries drain in creation order.
	broker.mu.Lock()
	broker.failing = false
	broker.mu.Unlock()

	require.Eventually(t, func() bool {
		if _, err := p.Pass(ctx); err != nil {
			return false
		}
		return countOutbox(t, res.OrderID, "order-started", "published") == 1 &&
			countOutbox(t, res.OrderID, "stock-confirmed", "published") == 1
	}, 10*time.Second, 100*time.Millisecond)

	var mine []outbox.Entry
	broker.mu.Lock()
	for _, e := range broker.sent {
		if e.OrderID == res.OrderID {
			mine = append(mine, e)
		}
	}
	broker.mu.Unlock()
	require.Len(t, mine, 2)
	assert.Equal(t, "order-started", mine[0].EventType)
	assert.Equal(t, "stock-confirmed", mine[1].EventType)

	// Published payloads are valid envelopes carrying the entry id.
	env, err := event.Decode(mine[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, mine[0].ID, env.ID)
	assert.Equal(t, res.OrderID, env.OrderID)
}

func TestInboundEvent_RedeliveryIsIdempotent(t *testing.T) {
	d, store := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	registry := event.NewRegistry()
	consumer.NewHandlers(d, zap.NewNop()).Register(registry)

	env, err := event.Decode(event.Envelope{
		ID:        uuid.New(),
		EventType: event.TypePaymentSucceeded,
		OrderID:   res.OrderID,
		Payload:   []byte(`{"orderId":` + strconv.FormatInt(res.OrderID, 10) + `}`),
	}.Encode())
	require.NoError(t, err)

	require.NoError(t, registry.Dispatch(ctx, env))
	require.NoError(t, registry.Dispatch(ctx, env))

	o, err := store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, int64(2), o.Version)
	assert.Equal(t, 1, countOutbox(t, res.OrderID, "paid", "pending"))
}

func TestTwoInstances_VersionAdvancesPerTransition(t *testing.T) {
	d, store := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	// Two dispatchers over the same rows, as two service instances would be.
	d2, _ := newDispatcher(t)

	_, err := d.Execute(ctx, uuid.New(), order.MarkOrderPaid{OrderID: res.OrderID})
	require.NoError(t, err)

	shipped, err := d2.Execute(ctx, uuid.New(), order.ShipOrder{OrderID: res.OrderID})
	require.NoError(t, err)
	assert.Equal(t, string(order.StatusShipped), shipped.Status)

	o, err := store.Get(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, o.Status)
	assert.Equal(t, int64(3), o.Version)
}

func TestOutboxClaim_FlipsStateExactlyOnce(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	outboxStore := postgres.NewOutboxStore(pool)
	claimed, err := outboxStore.Claim(ctx, 1000)
	require.NoError(t, err)

	var mine int
	for _, e := range claimed {
		if e.OrderID == res.OrderID {
			mine++
			assert.Equal(t, outbox.StateInProgress, e.State)
		}
	}
	assert.Equal(t, 2, mine)

	// A second claim sees nothing for this order while the first claim
	// holds the entries.
	again, err := outboxStore.Claim(ctx, 1000)
	require.NoError(t, err)
	for _, e := range again {
		assert.NotEqual(t, res.OrderID, e.OrderID)
	}

	for _, e := range claimed {
		require.NoError(t, outboxStore.Release(ctx, e.ID))
	}
}

func TestOutboxClaim_ReclaimsStaleClaims(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	res := createOrder(t, d)

	outboxStore := postgres.NewOutboxStore(pool)
	claimed, err := outboxStore.Claim(ctx, 1000)
	require.NoError(t, err)

	var mine []outbox.Entry
	for _, e := range claimed {
		if e.OrderID == res.OrderID {
			mine = append(mine, e)
			continue
		}
		// Entries from other tests go straight back.
		require.NoError(t, outboxStore.Release(ctx, e.ID))
	}
	require.Len(t, mine, 2)

	// The claiming publisher dies here without marking anything. Age the
	// claim past the staleness threshold; the entries must become claimable
	// again instead of staying in_progress forever.
	for _, e := range mine {
		_, err := pool.Exec(ctx,
			`UPDATE outbox_entries SET claimed_at = now() - interval '10 minutes' WHERE id = $1`,
			e.ID)
		require.NoError(t, err)
	}

	reclaimed, err := outboxStore.Claim(ctx, 1000)
	require.NoError(t, err)

	var got []outbox.Entry
	for _, e := range reclaimed {
		if e.OrderID == res.OrderID {
			got = append(got, e)
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, mine[0].ID, got[0].ID)
	assert.Equal(t, mine[1].ID, got[1].ID)

	for _, e := range reclaimed {
		require.NoError(t, outboxStore.Release(ctx, e.ID))
	}
}
