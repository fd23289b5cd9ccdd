// Package queue implements the durable upload queue of an edge node.
//
// Every stored point is enqueued here before it is considered accepted;
// a background worker leases batches, uploads them, and acknowledges on
// success. Leased batches that were never acknowledged (process crash,
// power loss) return to pending on the next open, giving at-least-once
// delivery to the remote authority.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/edgevec/codec"
	"github.com/hupe1980/edgevec/model"
)

const (
	statePending  = 0
	stateInFlight = 1
)

// Item is a leased queue entry. The sequence number identifies the entry
// for Ack and Nack.
type Item struct {
	Seq   int64
	Point model.Point
}

// Queue is a persistent FIFO with lease semantics, backed by SQLite.
type Queue struct {
	db    *sql.DB
	codec codec.Codec
}

// Open opens or creates the queue database at path and returns any entries
// that were in flight during a previous run to the pending state.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, codec: codec.Default}
	if err := q.init(); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := q.db.Exec(p); err != nil {
			return fmt.Errorf("queue: pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS upload_queue (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			point       BLOB NOT NULL,
			state       INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS upload_queue_state ON upload_queue(state, seq);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("queue: schema creation failed: %w", err)
	}

	// Leases do not survive a restart.
	if _, err := q.db.Exec("UPDATE upload_queue SET state = ? WHERE state = ?", statePending, stateInFlight); err != nil {
		return fmt.Errorf("queue: lease recovery failed: %w", err)
	}

	return nil
}

// Enqueue appends points to the queue. The entries are durable before
// Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, points ...model.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO upload_queue (point, state, enqueued_at) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, p := range points {
		blob, err := q.codec.Marshal(p)
		if err != nil {
			return fmt.Errorf("queue: encode point %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, blob, statePending, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DequeueBatch leases up to maxItems pending entries in FIFO order. Leased
// entries stay invisible to later calls until they are acked, nacked, or the
// queue is reopened. An empty queue yields an empty batch, not an error.
func (q *Queue) DequeueBatch(ctx context.Context, maxItems int) ([]Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT seq, point FROM upload_queue WHERE state = ? ORDER BY seq LIMIT ?",
		statePending, maxItems)
	if err != nil {
		return nil, err
	}

	var items []Item
	for rows.Next() {
		var (
			seq  int64
			blob []byte
		)
		if err := rows.Scan(&seq, &blob); err != nil {
			rows.Close()
			return nil, err
		}

		var p model.Point
		if err := q.codec.Unmarshal(blob, &p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: decode entry %d: %w", seq, err)
		}
		items = append(items, Item{Seq: seq, Point: p})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(items) == 0 {
		return nil, tx.Commit()
	}

	query := fmt.Sprintf("UPDATE upload_queue SET state = ? WHERE seq IN (%s)", seqPlaceholders(len(items)))
	if _, err := tx.ExecContext(ctx, query, seqArgs(stateInFlight, items)...); err != nil {
		return nil, err
	}

	return items, tx.Commit()
}

// Ack removes acknowledged entries permanently.
func (q *Queue) Ack(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	query := fmt.Sprintf("DELETE FROM upload_queue WHERE seq IN (%s)", seqPlaceholders(len(items)))
	args := make([]any, 0, len(items))
	for _, it := range items {
		args = append(args, it.Seq)
	}
	_, err := q.db.ExecContext(ctx, query, args...)
	return err
}

// Nack returns leased entries to pending so a later batch retries them.
func (q *Queue) Nack(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE upload_queue SET state = ? WHERE seq IN (%s)", seqPlaceholders(len(items)))
	_, err := q.db.ExecContext(ctx, query, seqArgs(statePending, items)...)
	return err
}

// Size reports the total number of entries, pending and in flight.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM upload_queue").Scan(&n)
	return n, err
}

// Close closes the underlying database. Leased entries become pending again
// on the next open.
func (q *Queue) Close() error {
	return q.db.Close()
}

func seqPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func seqArgs(state int, items []Item) []any {
	args := make([]any, 0, len(items)+1)
	args = append(args, state)
	for _, it := range items {
		args = append(args, it.Seq)
	}
	return args
}
