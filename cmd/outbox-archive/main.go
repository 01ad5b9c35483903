// Command outbox-archive exports published outbox entries older than a cutoff
// to a gzip-compressed NDJSON file and optionally prunes them. Published
// entries are never needed by the relay again, so the table stays small while
// the archive preserves the full event history.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"

	"github.com/foodcourt/ordering/internal/postgres"
)

const selectPublishedSQL = `
SELECT id, event_type, order_id, payload, attempts, created_at, published_at
FROM outbox_entries
WHERE state = 'published' AND published_at < $1
ORDER BY published_at`

const deletePublishedSQL = `
DELETE FROM outbox_entries
WHERE state = 'published' AND published_at < $1`

// archivedEntry is one NDJSON line in the archive file.
type archivedEntry struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"eventType"`
	OrderID     int64           `json:"orderId"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	PublishedAt time.Time       `json:"publishedAt"`
}

func main() {
	var (
		databaseURL string
		outPath     string
		olderThan   time.Duration
		prune       bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&outPath, "out", "outbox-archive.ndjson.gz", "output archive file")
	flag.DurationVar(&olderThan, "older-than", 7*24*time.Hour, "archive entries published earlier than now minus this duration")
	flag.BoolVar(&prune, "prune", false, "delete archived entries after a successful export")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, outPath, olderThan, prune); err != nil {
		slog.Error("outbox archive failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("outbox archive completed successfully")
}

func run(ctx context.Context, databaseURL, outPath string, olderThan time.Duration, prune bool) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	cutoff := time.Now().Add(-olderThan)
	slog.Info("archiving published entries",
		slog.Time("cutoff", cutoff),
		slog.String("out", outPath),
	)

	count, err := export(ctx, pool, outPath, cutoff)
	if err != nil {
		return errors.Wrap(err, "export entries")
	}
	slog.Info("entries exported", slog.Int("count", count))

	if !prune || count == 0 {
		return nil
	}

	tag, err := pool.Exec(ctx, deletePublishedSQL, cutoff)
	if err != nil {
		return errors.Wrap(err, "prune entries")
	}
	slog.Info("entries pruned", slog.Int64("count", tag.RowsAffected()))
	return nil
}

func export(ctx context.Context, pool *pgxpool.Pool, outPath string, cutoff time.Time) (int, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", outPath)
	}
	defer func() { _ = f.Close() }()

	gz := pgzip.NewWriter(f)
	w := bufio.NewWriter(gz)
	enc := json.NewEncoder(w)

	rows, err := pool.Query(ctx, selectPublishedSQL, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "query published entries")
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var e archivedEntry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.OrderID, &e.Payload,
			&e.Attempts, &e.CreatedAt, &e.PublishedAt,
		); err != nil {
			return 0, errors.Wrap(err, "scan entry")
		}
		if err := enc.Encode(e); err != nil {
			return 0, errors.Wrapf(err, "encode entry %s", e.ID)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate entries")
	}

	if err := w.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush archive")
	}
	if err := gz.Close(); err != nil {
		return 0, errors.Wrap(err, "close gzip stream")
	}
	return count, f.Close()
}
