package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ithrive/reconcile/internal/config"
	"github.com/ithrive/reconcile/internal/domain/reconcile"
	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/db"
	"github.com/ithrive/reconcile/internal/platform/rowsource"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
	"github.com/ithrive/reconcile/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "reconcile",
		Short:        "Reconcile CAMHS site extracts into the research warehouse",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sitesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile every extract in the input directory or bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				cfg.DataDir = dir
				cfg.MinioEndpoint = ""
			}
			if sites, _ := cmd.Flags().GetString("sites"); sites != "" {
				cfg.SiteConfig = sites
			}
			if store, _ := cmd.Flags().GetString("store"); store != "" {
				cfg.StoreDriver = strings.ToLower(store)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReconcile(ctx, cfg, os.Stdout)
		},
	}
	cmd.Flags().String("dir", "", "Read extracts from this directory instead of DATA_DIR or the bucket")
	cmd.Flags().String("sites", "", "YAML file with site definitions that override or extend the builtin ones")
	cmd.Flags().String("store", "", "Store driver: postgres, sqlite or memory")
	return cmd
}

func runReconcile(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger, err := newLogger(cfg.Env, cfg.LogLevel, out)
	if err != nil {
		return err
	}

	registry, err := loadRegistry(cfg.SiteConfig)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load site definitions")
		return err
	}

	files, err := listFiles(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list extracts")
		return err
	}
	logger.Info().Int("files", len(files)).Str("store", cfg.StoreDriver).Msg("starting reconciliation")

	ctx, store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer closeStore()

	summary, err := reconcile.NewDriver(registry, store, logger).Run(ctx, files)
	if err != nil {
		logger.Error().Err(err).Msg("reconciliation aborted")
		return err
	}

	logSummary(ctx, logger, summary, store)
	return nil
}

func newLogger(env, level string, out io.Writer) (zerolog.Logger, error) {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	if level == "" {
		return logger, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logger, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return logger.Level(lvl), nil
}

// loadRegistry returns the builtin sites with the definitions in path laid
// over them.
func loadRegistry(path string) (*site.Registry, error) {
	registry := site.Default()
	if path == "" {
		return registry, nil
	}
	overrides, err := site.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return registry.With(overrides...)
}

func listFiles(ctx context.Context, cfg *config.Config) ([]rowsource.File, error) {
	enc, err := rowsource.ParseEncoding(cfg.InputEncoding)
	if err != nil {
		return nil, err
	}
	if !cfg.UsesBucket() {
		return rowsource.Dir(cfg.DataDir, enc)
	}
	client, err := rowsource.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, err
	}
	return rowsource.Bucket(ctx, client, cfg.MinioBucket, cfg.MinioPrefix, enc)
}

// openStore opens the configured warehouse. For PostgreSQL the returned
// context carries the connection every write of the run goes through.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (context.Context, warehouse.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return ctx, warehouse.NewMemory(), func() {}, nil

	case config.StoreSQLite:
		store, err := warehouse.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return ctx, nil, nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite warehouse")
		return ctx, store, func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close sqlite warehouse")
			}
		}, nil

	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.WarehouseSchema)
		if err != nil {
			return ctx, nil, nil, err
		}
		if err := db.EnsureSchema(ctx, pool, cfg.WarehouseSchema, migrationSource(cfg.MigrationsDir)); err != nil {
			pool.Close()
			return ctx, nil, nil, err
		}
		runCtx, release, err := db.AcquireSchema(ctx, pool, cfg.WarehouseSchema)
		if err != nil {
			pool.Close()
			return ctx, nil, nil, err
		}
		if stats, err := db.Check(ctx, pool); err == nil {
			logger.Info().
				Str("schema", cfg.WarehouseSchema).
				Int32("total_conns", stats.TotalConns).
				Msg("connected to database")
		}
		store := warehouse.NewPostgres(pool)
		return runCtx, store, func() {
			if err := store.Close(context.Background()); err != nil {
				logger.Error().Err(err).Msg("failed to commit warehouse")
			}
			release()
			pool.Close()
		}, nil
	}
	return ctx, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func logSummary(ctx context.Context, logger zerolog.Logger, s *reconcile.Summary, store warehouse.Store) {
	event := logger.Info().
		Strs("sites", s.Sites).
		Int("files", s.Files).
		Int("skipped_files", s.SkippedFiles).
		Int("rows", s.Rows).
		Int("skipped_rows", s.SkippedRows).
		Int("warnings", s.Warnings).
		Int("stored", s.Stored)

	types := make([]string, 0, len(s.Entities))
	for typ := range s.Entities {
		types = append(types, typ)
	}
	sort.Strings(types)
	entities := zerolog.Dict()
	for _, typ := range types {
		entities.Int(typ, s.Entities[typ])
	}
	event = event.Dict("created", entities)

	if counter, ok := store.(warehouse.Counter); ok {
		held := zerolog.Dict()
		for _, typ := range types {
			n, err := counter.Count(ctx, typ)
			if err != nil {
				logger.Warn().Err(err).Str("type", typ).Msg("failed to count stored items")
				continue
			}
			held.Int(typ, n)
		}
		event = event.Dict("held", held)
	}
	event.Msg("reconciliation complete")
}

// migrationSource returns the migrations in dir, or the embedded set when
// dir is empty.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func sitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List the site definitions and the file kinds each one reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("sites")
			if path == "" {
				path = os.Getenv("SITE_CONFIG")
			}
			registry, err := loadRegistry(path)
			if err != nil {
				return err
			}
			printSites(cmd.OutOrStdout(), registry)
			return nil
		},
	}
	cmd.Flags().String("sites", "", "YAML file with site definitions that override or extend the builtin ones")
	return cmd
}

func printSites(w io.Writer, registry *site.Registry) {
	fmt.Fprintf(w, "%-28s %-12s %-6s %-30s %s\n", "SITE", "CLASS", "FLUSH", "FRAGMENTS", "KINDS")
	for _, s := range registry.Sites() {
		kinds := make([]string, 0, len(s.Schemas))
		for kind, schema := range s.Schemas {
			kinds = append(kinds, fmt.Sprintf("%s(%d)", kind, schema.MinWidth()))
		}
		sort.Strings(kinds)
		fmt.Fprintf(w, "%-28s %-12s %-6s %-30s %s\n",
			s.Name, s.Class, s.FlushMode(), strings.Join(s.Fragments, ","), strings.Join(kinds, " "))
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run warehouse database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, dir, err := migrateFlags(cmd)
			if err != nil {
				return err
			}
			return withPool(schema, func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := db.EnsureSchema(ctx, pool, schema, nil); err != nil {
					return err
				}
				migrator := db.NewMigrator(pool, migrationSource(dir), schema)
				fmt.Printf("Running migrations on schema: %s\n", schema)

				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to WAREHOUSE_SCHEMA)")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, dir, err := migrateFlags(cmd)
			if err != nil {
				return err
			}
			return withPool(schema, func(ctx context.Context, pool *pgxpool.Pool) error {
				migrator := db.NewMigrator(pool, migrationSource(dir), schema)
				statuses, err := migrator.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.Changed {
							status = "changed"
						}
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to WAREHOUSE_SCHEMA)")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrateFlags(cmd *cobra.Command) (schema, dir string, err error) {
	schema, _ = cmd.Flags().GetString("schema")
	dir, _ = cmd.Flags().GetString("dir")
	if schema == "" {
		schema = os.Getenv("WAREHOUSE_SCHEMA")
	}
	if schema == "" {
		schema = "warehouse"
	}
	if dir == "" {
		dir = os.Getenv("MIGRATIONS_DIR")
	}
	if !db.ValidSchema(schema) {
		return "", "", fmt.Errorf("invalid schema name: %s", schema)
	}
	return schema, dir, nil
}

func withPool(schema string, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}
