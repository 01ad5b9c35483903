package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodcourt/ordering/internal/dispatch"
	"github.com/foodcourt/ordering/internal/domain/order"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

const getOrderSQL = `SELECT id, buyer_id, street, city, zip_code, items, delivery_fee, total,
		status, description, version, created_at, updated_at
	FROM orders WHERE id = $1`

const insertOrderSQL = `INSERT INTO orders (id, buyer_id, street, city, zip_code, items,
		delivery_fee, total, status, description, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const updateOrderSQL = `UPDATE orders
	SET status = $2, description = $3, version = version + 1, updated_at = $4
	WHERE id = $1 AND version = $5`

const insertOutboxSQL = `INSERT INTO outbox_entries (id, event_type, order_id, payload, state, attempts, created_at)
	VALUES ($1, $2, $3, $4, 'pending', 0, $5)`

const insertRequestSQL = `INSERT INTO request_records (request_id, command, result)
	VALUES ($1, $2, $3)`

const getRequestSQL = `SELECT request_id, command, result, created_at
	FROM request_records WHERE request_id = $1 AND command = $2`

var _ dispatch.Storage = (*Store)(nil)

// Store implements dispatch.Storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get loads a fresh order snapshot. The line items are stored as JSONB.
func (s *Store) Get(ctx context.Context, id int64) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	err := s.pool.QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.BuyerID,
		&o.Address.Street, &o.Address.City, &o.Address.ZipCode,
		&itemsJSON, &o.DeliveryFee, &o.Total,
		&o.Status, &o.Description, &o.Version,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %d", id)
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, errors.Wrapf(err, "decode items of order %d", id)
	}
	return &o, nil
}

// NextID allocates the next order id from the shared sequence.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('orders_id_seq')`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "next order id")
	}
	return id, nil
}

// GetRequest loads the record for (request id, command).
func (s *Store) GetRequest(ctx context.Context, requestID, command string) (*dispatch.RequestRecord, error) {
	var rec dispatch.RequestRecord
	err := s.pool.QueryRow(ctx, getRequestSQL, requestID, command).Scan(
		&rec.RequestID, &rec.Command, &rec.Result, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, dispatch.ErrRequestNotFound
		}
		return nil, errors.Wrap(err, "get request record")
	}
	return &rec, nil
}

// Commit persists the order snapshot, its outbox entries, and the request
// record in one transaction. Existing orders are updated under an optimistic
// version check.
func (s *Store) Commit(ctx context.Context, unit dispatch.CommitUnit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin commit")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if unit.Order != nil {
		if err := s.saveOrder(ctx, tx, unit.Order); err != nil {
			return err
		}
	}

	for _, e := range unit.Entries {
		_, err := tx.Exec(ctx, insertOutboxSQL, e.ID, e.EventType, e.OrderID, e.Payload, e.CreatedAt)
		if err != nil {
			return errors.Wrapf(err, "insert outbox entry %s", e.ID)
		}
	}

	_, err = tx.Exec(ctx, insertRequestSQL, unit.Record.RequestID, unit.Record.Command, unit.Record.Result)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return dispatch.ErrDuplicateRequest
		}
		return errors.Wrap(err, "insert request record")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (s *Store) saveOrder(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	if o.Version == 0 {
		itemsJSON, err := json.Marshal(o.Items)
		if err != nil {
			return errors.Wrap(err, "encode items")
		}
		_, err = tx.Exec(ctx, insertOrderSQL,
			o.ID, o.BuyerID,
			o.Address.Street, o.Address.City, o.Address.ZipCode,
			itemsJSON, o.DeliveryFee, o.Total,
			o.Status, o.Description, int64(1),
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "insert order %d", o.ID)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, updateOrderSQL, o.ID, o.Status, o.Description, o.UpdatedAt, o.Version)
	if err != nil {
		return errors.Wrapf(err, "update order %d", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrVersionConflict
	}
	return nil
}
