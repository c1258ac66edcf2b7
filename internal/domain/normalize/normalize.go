// Package normalize turns a raw extract row into a canonical record using the
// column map of its (site, file kind) pair.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/cleanse"
)

var (
	ErrEmptyRow    = errors.New("empty row")
	ErrShortRow    = errors.New("row shorter than column map")
	ErrMissingKey  = errors.New("missing key field")
	ErrShortHeader = errors.New("header shorter than column map")
)

// SkipError reports a row that is dropped without failing the file.
type SkipError struct {
	Reason error
	Detail string
}

func (e *SkipError) Error() string {
	if e.Detail == "" {
		return e.Reason.Error()
	}
	return e.Reason.Error() + ": " + e.Detail
}

func (e *SkipError) Unwrap() error { return e.Reason }

func skip(reason error, format string, args ...any) *SkipError {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Observation is one name/value pair read from header-named columns.
type Observation struct {
	Class site.ObservationClass
	Name  string
	Value string
	Date  string
}

// Attr is one free-named outcome attribute.
type Attr struct {
	Name  string
	Value string
}

// Record is the canonical form of one row. Absent fields are missing from
// Values.
type Record struct {
	Values       map[site.Field]string
	Observations []Observation
	Outcome      []Attr

	slots *Slots
}

// Get returns a cleaned field value and whether it is present.
func (r *Record) Get(f site.Field) (string, bool) {
	v, ok := r.Values[f]
	return v, ok
}

// Value returns a cleaned field value or the empty string.
func (r *Record) Value(f site.Field) string {
	return r.Values[f]
}

// Contacts returns the iterator over the repeated contact slots of the row.
// It is consumed once; later calls return the same exhausted iterator.
func (r *Record) Contacts() *Slots {
	if r.slots == nil {
		return &Slots{done: true}
	}
	return r.slots
}

// Normalizer normalizes the rows of one file.
type Normalizer struct {
	schema   *site.Schema
	header   []string
	width    int
	ident    cleanse.Func
	cleaners map[string]cleanse.Func
}

// New prepares a normalizer for a file with the given header. A header
// narrower than the column map means the file does not have the expected
// layout.
func New(schema *site.Schema, header []string, rules []cleanse.Rule) (*Normalizer, error) {
	width := schema.MinWidth()
	if len(header) < width {
		return nil, fmt.Errorf("%w: %d columns, need %d", ErrShortHeader, len(header), width)
	}
	n := &Normalizer{
		schema:   schema,
		header:   header,
		width:    width,
		cleaners: make(map[string]cleanse.Func),
	}
	n.ident = func(raw string) (string, bool) { return cleanse.Identifier(raw, rules) }

	names := []string{cleanse.CleanValue}
	for _, fs := range schema.Fields {
		names = append(names, fs.Clean)
	}
	for _, v := range schema.Variants {
		for _, fs := range v.Fields {
			names = append(names, fs.Clean)
		}
	}
	if g := schema.Contacts; g != nil {
		for _, gf := range g.Fields {
			names = append(names, gf.Clean)
		}
	}
	for _, a := range schema.Outcome {
		names = append(names, a.Clean)
	}
	for _, name := range names {
		if _, ok := n.cleaners[name]; ok {
			continue
		}
		fn, err := cleanse.Lookup(name, rules)
		if err != nil {
			return nil, err
		}
		n.cleaners[name] = fn
	}
	return n, nil
}

// Normalize is a convenience wrapper for one-off rows.
func Normalize(row, header []string, schema *site.Schema, rules []cleanse.Rule) (*Record, error) {
	n, err := New(schema, header, rules)
	if err != nil {
		return nil, err
	}
	return n.Normalize(row)
}

func (n *Normalizer) cleaner(field site.Field, name string) cleanse.Func {
	if field.IsIdentifier() && (name == "" || name == cleanse.CleanValue) {
		return n.ident
	}
	return n.cleaners[name]
}

// Normalize maps one row. Rows that cannot be used return a *SkipError.
func (n *Normalizer) Normalize(row []string) (*Record, error) {
	if blank(row) {
		return nil, &SkipError{Reason: ErrEmptyRow}
	}
	if len(row) < n.width {
		return nil, skip(ErrShortRow, "%d columns, need %d", len(row), n.width)
	}

	rec := &Record{Values: make(map[site.Field]string)}
	for _, fs := range n.schema.FieldsFor(row) {
		if _, set := rec.Values[fs.Field]; set {
			continue
		}
		raw, ok := joined(row, fs)
		if !ok {
			continue
		}
		if v, ok := n.cleaner(fs.Field, fs.Clean)(raw); ok {
			rec.Values[fs.Field] = v
		}
	}

	key := n.schema.KeyField()
	if _, ok := rec.Values[key]; !ok {
		return nil, skip(ErrMissingKey, "%s is blank", key)
	}

	for _, spec := range n.schema.Observations {
		rec.Observations = n.observe(rec.Observations, spec, row)
	}
	for _, a := range n.schema.Outcome {
		if v, ok := n.cleaners[a.Clean](row[a.Col]); ok {
			rec.Outcome = append(rec.Outcome, Attr{Name: a.Name, Value: v})
		}
	}
	if g := n.schema.Contacts; g != nil {
		rec.slots = &Slots{group: g, row: row, n: n, next: g.Start}
	}
	return rec, nil
}

func (n *Normalizer) observe(out []Observation, spec site.ObservationSpec, row []string) []Observation {
	cols := spec.Cols
	if spec.From > 0 {
		cols = append(append([]int(nil), cols...), rangeCols(spec.From, len(row))...)
	}
	for _, c := range cols {
		if c+spec.ValueOffset >= len(row) {
			continue
		}
		name := n.headerName(c)
		if name == "" {
			continue
		}
		switch {
		case spec.Present != "":
			if strings.EqualFold(strings.TrimSpace(row[c]), spec.Present) {
				out = append(out, Observation{Class: spec.Class, Name: name})
			}
		case spec.Dated:
			date, ok := cleanse.Date(row[c])
			if !ok {
				continue
			}
			value, _ := cleanse.Value(row[c+spec.ValueOffset])
			out = append(out, Observation{Class: spec.Class, Name: name, Value: value, Date: date})
		default:
			value, ok := cleanse.Value(row[c+spec.ValueOffset])
			if !ok {
				continue
			}
			out = append(out, Observation{Class: spec.Class, Name: name, Value: value})
		}
	}
	return out
}

func (n *Normalizer) headerName(col int) string {
	if col >= len(n.header) {
		return ""
	}
	return strings.TrimSpace(n.header[col])
}

// Slots iterates the repeated contact group of a wide row. Iteration ends
// at the first slot whose leading column is empty or null, or at the end of
// the row.
type Slots struct {
	group *site.Group
	row   []string
	n     *Normalizer
	next  int
	done  bool
}

// Next returns the cleaned fields of the next slot.
func (s *Slots) Next() (map[site.Field]string, bool) {
	if s.done {
		return nil, false
	}
	g := s.group
	start := s.next
	end := len(s.row)
	if g.End > 0 && g.End < end {
		end = g.End
	}
	if start+g.Stride > end || cleanse.IsNull(s.row[start]) {
		s.done = true
		return nil, false
	}
	s.next += g.Stride

	slot := make(map[site.Field]string, len(g.Fields))
	for _, gf := range g.Fields {
		if v, ok := s.n.cleaner(gf.Field, gf.Clean)(s.row[start+gf.Offset]); ok {
			slot[gf.Field] = v
		}
	}
	return slot, true
}

func joined(row []string, fs site.FieldSpec) (string, bool) {
	if len(fs.Join) == 0 {
		return row[fs.Col], true
	}
	parts := make([]string, 0, len(fs.Join)+1)
	for _, c := range append([]int{fs.Col}, fs.Join...) {
		if v, ok := cleanse.Value(row[c]); ok {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, fs.Sep), true
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func rangeCols(from, to int) []int {
	out := make([]int, 0, to-from)
	for c := from; c < to; c++ {
		out = append(out, c)
	}
	return out
}
