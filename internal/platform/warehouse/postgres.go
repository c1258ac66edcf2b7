package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ithrive/reconcile/internal/platform/db"
)

const foreignKeyViolation = "23503"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Postgres stores items in the items and item_references tables. Writes are
// batched in one transaction, committed on Checkpoint. The batch runs on the
// schema-scoped connection carried by the context when there is one, and on
// the pool otherwise.
type Postgres struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
	tx   pgx.Tx
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) conn(ctx context.Context) queryable {
	if p.tx != nil {
		return p.tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func (p *Postgres) writer(ctx context.Context) (queryable, error) {
	if p.tx == nil {
		var err error
		if c := db.ConnFromContext(ctx); c != nil {
			p.tx, err = c.Begin(ctx)
		} else {
			p.tx, err = p.pool.Begin(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
	}
	return p.tx, nil
}

func (p *Postgres) Store(ctx context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes of %s %s: %w", item.Type, item.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.writer(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO items (id, type, attributes)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET attributes = EXCLUDED.attributes, stored_at = NOW()`,
		item.ID, item.Type, attrs)
	if err != nil {
		return p.fail(ctx, item, err)
	}

	if _, err := q.Exec(ctx, `DELETE FROM item_references WHERE item_id = $1`, item.ID); err != nil {
		return p.fail(ctx, item, err)
	}
	for _, name := range item.referenceNames() {
		_, err := q.Exec(ctx, `
			INSERT INTO item_references (item_id, name, target_id)
			VALUES ($1, $2, $3)`,
			item.ID, name, item.References[name])
		if err != nil {
			return p.fail(ctx, item, err)
		}
	}
	return nil
}

// fail discards the batch, which PostgreSQL has aborted, and classifies the
// error.
func (p *Postgres) fail(ctx context.Context, item *Item, err error) error {
	if p.tx != nil {
		_ = p.tx.Rollback(ctx)
		p.tx = nil
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrDanglingReference, item.Type, item.ID, err)
	}
	return fmt.Errorf("store %s %s: %w", item.Type, item.ID, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

// Checkpoint commits the open batch.
func (p *Postgres) Checkpoint(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tx == nil {
		return nil
	}
	err := p.tx.Commit(ctx)
	p.tx = nil
	if err != nil {
		return fmt.Errorf("commit warehouse batch: %w", err)
	}
	return nil
}

// Count returns the number of stored items of a type.
func (p *Postgres) Count(ctx context.Context, typ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int
	err := p.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE type = $1`, typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", typ, err)
	}
	return n, nil
}

// Load reads an item back.
func (p *Postgres) Load(ctx context.Context, id uuid.UUID) (*Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.conn(ctx)
	item := &Item{ID: id, References: make(map[string]uuid.UUID)}
	var attrs []byte
	err := q.QueryRow(ctx, `SELECT type, attributes FROM items WHERE id = $1`, id).Scan(&item.Type, &attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	if err := json.Unmarshal(attrs, &item.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes of %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `SELECT name, target_id FROM item_references WHERE item_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load references of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var target uuid.UUID
		if err := rows.Scan(&name, &target); err != nil {
			return nil, fmt.Errorf("scan reference of %s: %w", id, err)
		}
		item.References[name] = target
	}
	return item, rows.Err()
}

// Close commits anything still buffered.
func (p *Postgres) Close(ctx context.Context) error {
	return p.Checkpoint(ctx)
}

var (
	_ Store        = (*Postgres)(nil)
	_ Checkpointer = (*Postgres)(nil)
	_ Counter      = (*Postgres)(nil)
)
