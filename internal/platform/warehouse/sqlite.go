package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	attributes JSON NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_type ON items(type);

CREATE TABLE IF NOT EXISTS item_references (
	item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	target_id TEXT NOT NULL REFERENCES items(id),
	PRIMARY KEY (item_id, name)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_item_references_target ON item_references(target_id);
`

// SQLite stores items in a single-file database. Writes are batched in one
// transaction that is committed every batchSize items, on Checkpoint and on
// Close.
type SQLite struct {
	db         *sql.DB
	tx         *sql.Tx
	stmtItem   *sql.Stmt
	stmtUnlink *sql.Stmt
	stmtRef    *sql.Stmt
	batchSize  int
	count      int
	mu         sync.Mutex
}

// NewSQLite opens or creates the database at path and initializes the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLite{
		db:        db,
		batchSize: 5000,
	}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLite) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	w.stmtItem, err = w.tx.Prepare(`
		INSERT INTO items (id, type, attributes, stored_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET attributes = excluded.attributes, stored_at = excluded.stored_at
	`)
	if err != nil {
		return err
	}
	w.stmtUnlink, err = w.tx.Prepare(`DELETE FROM item_references WHERE item_id = ?`)
	if err != nil {
		return err
	}
	w.stmtRef, err = w.tx.Prepare(`INSERT INTO item_references (item_id, name, target_id) VALUES (?, ?, ?)`)
	return err
}

func (w *SQLite) commitTx() error {
	for _, stmt := range []*sql.Stmt{w.stmtItem, w.stmtUnlink, w.stmtRef} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit warehouse batch: %w", err)
	}
	return nil
}

func (w *SQLite) Store(ctx context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes of %s %s: %w", item.Type, item.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := item.ID.String()
	if _, err := w.stmtItem.ExecContext(ctx, id, item.Type, string(attrs), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("store %s %s: %w", item.Type, id, err)
	}
	if _, err := w.stmtUnlink.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("store %s %s: %w", item.Type, id, err)
	}
	for _, name := range item.referenceNames() {
		target := item.References[name].String()
		if _, err := w.stmtRef.ExecContext(ctx, id, name, target); err != nil {
			if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
				return fmt.Errorf("%w: %s %s.%s -> %s", ErrDanglingReference, item.Type, id, name, target)
			}
			return fmt.Errorf("store %s %s reference %s: %w", item.Type, id, name, err)
		}
	}

	w.count++
	if w.count >= w.batchSize {
		return w.rotate()
	}
	return nil
}

func (w *SQLite) rotate() error {
	if err := w.commitTx(); err != nil {
		return err
	}
	w.count = 0
	return w.beginTx()
}

// Checkpoint commits the current batch and opens the next one.
func (w *SQLite) Checkpoint(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

// Count returns the number of stored items of a type, including the
// uncommitted batch.
func (w *SQLite) Count(ctx context.Context, typ string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var n int
	err := w.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE type = ?", typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", typ, err)
	}
	return n, nil
}

// Load reads an item back, including the uncommitted batch.
func (w *SQLite) Load(ctx context.Context, id uuid.UUID) (*Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item := &Item{ID: id, References: make(map[string]uuid.UUID)}
	var attrs string
	err := w.tx.QueryRowContext(ctx, "SELECT type, attributes FROM items WHERE id = ?", id.String()).
		Scan(&item.Type, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(attrs), &item.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes of %s: %w", id, err)
	}

	rows, err := w.tx.QueryContext(ctx, "SELECT name, target_id FROM item_references WHERE item_id = ?", id.String())
	if err != nil {
		return nil, fmt.Errorf("load references of %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name, target string
		if err := rows.Scan(&name, &target); err != nil {
			return nil, fmt.Errorf("scan reference of %s: %w", id, err)
		}
		tid, err := uuid.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("reference %s of %s: %w", name, id, err)
		}
		item.References[name] = tid
	}
	return item, rows.Err()
}

// Close commits the last batch and closes the database.
func (w *SQLite) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}
	return w.db.Close()
}

var (
	_ Store        = (*SQLite)(nil)
	_ Checkpointer = (*SQLite)(nil)
	_ Counter      = (*SQLite)(nil)
)
