package reconcile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ithrive/reconcile/internal/domain/normalize"
	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/rowsource"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
)

// Summary reports what one run did.
type Summary struct {
	Sites        []string
	Files        int
	SkippedFiles int
	Rows         int
	SkippedRows  int
	Warnings     int
	Entities     map[string]int
	Stored       int
}

func (s *Summary) add(st Stats) {
	for typ, n := range st.Created {
		s.Entities[typ] += n
	}
	s.Stored += st.Stored
	s.Warnings += st.Warnings
	s.SkippedRows += st.Skipped
}

// Driver runs extract files through site resolution, normalization and the
// per-site entity cache.
type Driver struct {
	registry *site.Registry
	store    warehouse.Store
	log      zerolog.Logger
}

func NewDriver(registry *site.Registry, store warehouse.Store, log zerolog.Logger) *Driver {
	return &Driver{registry: registry, store: store, log: log}
}

type input struct {
	file   rowsource.File
	kind   site.FileKind
	schema *site.Schema
}

// Run reconciles files. Files whose site, kind or layout cannot be
// determined are skipped. Read and store errors abort the run.
func (d *Driver) Run(ctx context.Context, files []rowsource.File) (*Summary, error) {
	sum := &Summary{Entities: make(map[string]int)}

	bySite := make(map[string][]input)
	for _, f := range files {
		s, kind, schema, err := d.registry.Resolve(f.Name())
		if err != nil {
			d.skipFile(sum, "", f.Name(), err)
			continue
		}
		bySite[s.Name] = append(bySite[s.Name], input{file: f, kind: kind, schema: schema})
	}

	source := warehouse.NewItem(TypeDataSource)
	source.Set("name", DataSourceName)
	if err := d.store.Store(ctx, source); err != nil {
		return sum, fmt.Errorf("store data source: %w", err)
	}
	sum.Entities[TypeDataSource]++
	sum.Stored++

	for _, s := range d.registry.Sites() {
		inputs := bySite[s.Name]
		if len(inputs) == 0 {
			continue
		}
		sort.SliceStable(inputs, func(i, j int) bool {
			pi, pj := inputs[i].kind.Phase(), inputs[j].kind.Phase()
			if pi != pj {
				return pi < pj
			}
			return inputs[i].file.Name() < inputs[j].file.Name()
		})
		if err := d.runSite(ctx, sum, s, source, inputs); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (d *Driver) runSite(ctx context.Context, sum *Summary, s *site.Site, source *warehouse.Item, inputs []input) error {
	log := d.log.With().Str("site", s.Name).Logger()

	dataSet := warehouse.NewItem(TypeDataSet)
	dataSet.Set("name", s.Name)
	dataSet.Set("type", string(s.Class))
	dataSet.SetReference("dataSource", source)
	if err := d.store.Store(ctx, dataSet); err != nil {
		return fmt.Errorf("store data set %s: %w", s.Name, err)
	}
	sum.Entities[TypeDataSet]++
	sum.Stored++
	sum.Sites = append(sum.Sites, s.Name)

	c := NewContext(s, dataSet, d.log)
	for _, in := range inputs {
		if err := d.runFile(ctx, sum, c, s, in); err != nil {
			return err
		}
		if s.FlushMode() == site.FlushPerFile {
			if err := c.Flush(ctx, d.store); err != nil {
				return err
			}
		}
	}
	if err := c.Flush(ctx, d.store); err != nil {
		return err
	}

	st := c.Stats()
	sum.add(st)
	patients, referrals, contacts := c.Len()
	log.Info().
		Int("files", len(inputs)).
		Int("patients", patients).
		Int("referrals", referrals).
		Int("contacts", contacts).
		Int("stored", st.Stored).
		Int("warnings", st.Warnings).
		Msg("site reconciled")
	return nil
}

func (d *Driver) runFile(ctx context.Context, sum *Summary, c *Context, s *site.Site, in input) error {
	name := in.file.Name()
	rows, err := in.file.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.skipFile(sum, s.Name, name, err)
		return nil
	}
	defer rows.Close()

	n, err := normalize.New(in.schema, rows.Header(), s.Rules())
	if err != nil {
		d.skipFile(sum, s.Name, name, err)
		return nil
	}
	sum.Files++

	for row := 1; ; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		sum.Rows++

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			d.skipRow(sum, s.Name, name, row, "", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s row %d: %w", name, row, err)
		}

		rec, err := n.Normalize(raw)
		if err != nil {
			var skip *normalize.SkipError
			if !errors.As(err, &skip) {
				return fmt.Errorf("normalize %s row %d: %w", name, row, err)
			}
			if !errors.Is(err, normalize.ErrEmptyRow) {
				d.skipRow(sum, s.Name, name, row, firstCell(raw), err)
			} else {
				sum.SkippedRows++
			}
			continue
		}

		c.Locate(name, row)
		c.Apply(in.schema, rec)
	}
}

func (d *Driver) skipFile(sum *Summary, siteName, file string, err error) {
	sum.SkippedFiles++
	sum.Warnings++
	d.log.Warn().
		Str("site", siteName).
		Str("file", file).
		Err(err).
		Msg("file skipped")
}

func (d *Driver) skipRow(sum *Summary, siteName, file string, row int, key string, err error) {
	sum.SkippedRows++
	sum.Warnings++
	d.log.Warn().
		Str("site", siteName).
		Str("file", file).
		Int("row", row).
		Str("key", key).
		Err(err).
		Msg("row skipped")
}

func firstCell(row []string) string {
	if len(row) == 0 {
		return ""
	}
	return row[0]
}
