package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HistoryTable records the migrations applied to a warehouse schema.
const HistoryTable = "schema_history"

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded for it.
var ErrMigrationChanged = errors.New("applied migration changed")

// Migration is one numbered SQL file, e.g. 001_warehouse.sql.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus is a migration together with what the history table says
// about it.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt *time.Time
	// Changed is set when the file differs from the applied version.
	Changed bool
}

type applied struct {
	checksum string
	at       time.Time
}

// Migrator applies the warehouse migrations in fsys to one schema.
type Migrator struct {
	pool   *pgxpool.Pool
	fsys   fs.FS
	schema string
}

func NewMigrator(pool *pgxpool.Pool, fsys fs.FS, schema string) *Migrator {
	return &Migrator{pool: pool, fsys: fsys, schema: schema}
}

// Load reads the numbered .sql files at the root of the migration source in
// version order. Other files are ignored.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, ok := parseVersion(name)
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: checksum(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseVersion(name string) (int, bool) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) ensureHistory(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, m.schema, HistoryTable))
	if err != nil {
		return fmt.Errorf("create %s.%s: %w", m.schema, HistoryTable, err)
	}
	return nil
}

func (m *Migrator) history(ctx context.Context) (map[int]applied, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s.%s`, m.schema, HistoryTable))
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", m.schema, HistoryTable, err)
	}
	defer rows.Close()

	out := make(map[int]applied)
	for rows.Next() {
		var v int
		var a applied
		if err := rows.Scan(&v, &a.checksum, &a.at); err != nil {
			return nil, fmt.Errorf("scan schema history: %w", err)
		}
		out[v] = a
	}
	return out, rows.Err()
}

// Up applies every pending migration, each in its own transaction, and
// returns how many ran. It refuses to run when an applied migration has
// changed since it was recorded.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return 0, err
	}
	migrations, err := m.Load()
	if err != nil {
		return 0, err
	}
	done, err := m.history(ctx)
	if err != nil {
		return 0, err
	}
	if err := verify(migrations, done); err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if _, ok := done[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, fmt.Errorf("apply migration %s: %w", mig.Name, err)
		}
		count++
	}
	return count, nil
}

func verify(migrations []Migration, done map[int]applied) error {
	for _, mig := range migrations {
		if a, ok := done[mig.Version]; ok && a.checksum != mig.Checksum {
			return fmt.Errorf("%w: %s", ErrMigrationChanged, mig.Name)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", m.schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (version, name, checksum) VALUES ($1, $2, $3)", HistoryTable),
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return nil, err
	}
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	done, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	return statuses(migrations, done), nil
}

func statuses(migrations []Migration, done map[int]applied) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if a, ok := done[mig.Version]; ok {
			at := a.at
			st.Applied = true
			st.AppliedAt = &at
			st.Changed = a.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out
}
