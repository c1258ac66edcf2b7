package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

// DBConnKey carries the schema-scoped connection of a run.
const DBConnKey contextKey = "db_conn"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name can be used unquoted as a schema name.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// WithConn returns a context carrying conn.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, DBConnKey, conn)
}

// AcquireSchema acquires a pooled connection, points its search_path at
// schema and returns a context carrying it. The caller must call release
// once every write made through the context is committed.
func AcquireSchema(ctx context.Context, pool *pgxpool.Pool, schema string) (context.Context, func(), error) {
	if !ValidSchema(schema) {
		return ctx, nil, fmt.Errorf("invalid schema name: %s", schema)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("set search_path: %w", err)
	}
	return WithConn(ctx, conn), conn.Release, nil
}

// ConnFromContext retrieves the schema-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// EnsureSchema creates the warehouse schema if needed and applies every
// pending migration from migrations. A nil migrations skips the migration
// step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string, migrations fs.FS) error {
	if !ValidSchema(schema) {
		return fmt.Errorf("invalid schema name: %s", schema)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations, schema).Up(ctx); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
