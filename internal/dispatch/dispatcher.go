// Package dispatch executes order commands idempotently. Every command
// carries a caller-supplied request id; duplicates return the cached result
// without touching the aggregate, and the aggregate mutation, its outbox
// entries, and the request record are persisted in one atomic unit.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foodcourt/ordering/internal/domain/order"
	"github.com/foodcourt/ordering/internal/event"
	"github.com/foodcourt/ordering/internal/outbox"
)

// Result is the client-visible outcome of a command. It is cached verbatim in
// the request record, so a retried request observes the identical result.
type Result struct {
	OrderID int64  `json:"orderId,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler runs one command against a fresh aggregate snapshot.
type Handler interface {
	Handle(ctx context.Context, cmd order.Command) (*order.Order, error)
}

var _ Handler = (*order.Service)(nil)

// Commands retried after a version conflict reload the aggregate, so a small
// bounded retry absorbs concurrent writers on the same order.
const maxConflictRetries = 3

// Dispatcher wraps a command handler with request deduplication and the
// transactional outbox write.
type Dispatcher struct {
	storage Storage
	handler Handler
	seen    *SeenFilter
	lg      *zap.Logger
}

// NewDispatcher creates a dispatcher over the given storage and handler.
func NewDispatcher(storage Storage, handler Handler, seen *SeenFilter, lg *zap.Logger) *Dispatcher {
	return &Dispatcher{
		storage: storage,
		handler: handler,
		seen:    seen,
		lg:      lg.Named("dispatch"),
	}
}

// Execute runs cmd under the caller-supplied request id.
//
// A request id that was already recorded for this command type returns the
// cached Result and no error, even when the original execution was refused by
// a business rule (the refusal is in Result.Error). Validation errors and
// infrastructure failures leave no record, so the caller may retry with the
// same id.
func (d *Dispatcher) Execute(ctx context.Context, requestID uuid.UUID, cmd order.Command) (Result, error) {
	if requestID == uuid.Nil {
		return Result{}, ErrMissingRequestID
	}
	key := requestID.String()
	command := cmd.CommandName()

	// The bloom filter proves most fresh request ids were never recorded,
	// skipping the lookup; a positive falls through to the store.
	if d.seen.MaybeSeen(key, command) {
		rec, err := d.storage.GetRequest(ctx, key, command)
		switch {
		case err == nil:
			d.lg.Debug("Duplicate request short-circuited",
				zap.String("request_id", key),
				zap.String("command", command),
			)
			return decodeResult(rec.Result)
		case !errors.Is(err, ErrRequestNotFound):
			return Result{}, errors.Wrap(err, "lookup request record")
		}
	}

	for attempt := 1; ; attempt++ {
		res, err := d.execute(ctx, key, command, cmd)
		switch {
		case errors.Is(err, ErrVersionConflict) && attempt < maxConflictRetries:
			d.lg.Debug("Version conflict, retrying command",
				zap.String("command", command),
				zap.Int("attempt", attempt),
			)
			continue
		case errors.Is(err, ErrDuplicateRequest):
			// Another writer recorded this request first. Treat it as
			// a duplicate and return the cached result.
			rec, lerr := d.storage.GetRequest(ctx, key, command)
			if lerr != nil {
				return Result{}, errors.Wrap(lerr, "lookup racing request record")
			}
			d.seen.Add(key, command)
			return decodeResult(rec.Result)
		}
		if err == nil || recorded(err) {
			d.seen.Add(key, command)
		}
		return res, err
	}
}

// execute runs the handler once and commits the outcome.
func (d *Dispatcher) execute(ctx context.Context, key, command string, cmd order.Command) (Result, error) {
	o, err := d.handler.Handle(ctx, cmd)
	if err != nil {
		if !recorded(err) {
			// Validation or infrastructure failure: nothing persisted,
			// the caller may retry with the same request id.
			return Result{}, err
		}

		// Business-rule refusal: the aggregate is untouched, but the
		// request record is still written so identical retries
		// short-circuit instead of re-running the handler.
		res := Result{Error: err.Error()}
		record, merr := encodeRecord(key, command, res)
		if merr != nil {
			return Result{}, merr
		}
		if cerr := d.storage.Commit(ctx, CommitUnit{Record: record}); cerr != nil {
			return Result{}, cerr
		}
		return res, err
	}

	entries, err := d.drainToEntries(o)
	if err != nil {
		return Result{}, err
	}

	res := Result{OrderID: o.ID, Status: string(o.Status)}
	record, err := encodeRecord(key, command, res)
	if err != nil {
		return Result{}, err
	}

	unit := CommitUnit{Entries: entries, Record: record}
	// A no-op transition leaves no events and needs no order write; only
	// the request record is persisted.
	if len(entries) > 0 || o.Version == 0 {
		unit.Order = o
	}
	if err := d.storage.Commit(ctx, unit); err != nil {
		return Result{}, err
	}
	return res, nil
}

// drainToEntries converts the aggregate's drained domain events into pending
// outbox entries sharing the command's transaction.
func (d *Dispatcher) drainToEntries(o *order.Order) ([]outbox.Entry, error) {
	evs := o.DrainEvents()
	entries := make([]outbox.Entry, 0, len(evs))
	for _, ev := range evs {
		env, err := event.FromDomain(ev)
		if err != nil {
			return nil, errors.Wrap(err, "encode integration event")
		}
		entries = append(entries, outbox.Entry{
			ID:        env.ID,
			EventType: env.EventType,
			OrderID:   env.OrderID,
			Payload:   env.Encode(),
			State:     outbox.StatePending,
			CreatedAt: env.OccurredOn,
		})
	}
	return entries, nil
}

// recorded reports whether the error is a business-rule refusal whose result
// is cached in the request record.
func recorded(err error) bool {
	var tr *order.InvalidTransitionError
	return errors.As(err, &tr)
}

func encodeRecord(key, command string, res Result) (RequestRecord, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return RequestRecord{}, errors.Wrap(err, "encode result")
	}
	return RequestRecord{RequestID: key, Command: command, Result: raw}, nil
}

func decodeResult(raw []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, errors.Wrap(err, "decode cached result")
	}
	return res, nil
}

// DerivedRequestID deterministically maps an integration event id and the
// handling component to a request id, so broker redeliveries of the same
// event dedupe through the ordinary request record path.
func DerivedRequestID(eventID uuid.UUID, handler string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventID.String()+":"+handler))
}
