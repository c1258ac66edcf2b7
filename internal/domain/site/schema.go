package site

import (
	"fmt"
	"strings"

	"github.com/ithrive/reconcile/internal/platform/cleanse"
)

// FieldSpec maps one source column to a canonical field. Join lists extra
// columns appended to Col with Sep between them.
type FieldSpec struct {
	Col   int    `yaml:"col"`
	Field Field  `yaml:"field"`
	Clean string `yaml:"clean"`
	Join  []int  `yaml:"join"`
	Sep   string `yaml:"sep"`
}

// Match selects a Variant when the cell at Col contains any of the tokens.
type Match struct {
	Col      int      `yaml:"col"`
	Contains []string `yaml:"contains"`
}

// Variant is an alternate column layout chosen per row. The first variant
// whose match fires replaces the fields it names; other fields are kept.
type Variant struct {
	When   Match       `yaml:"when"`
	Fields []FieldSpec `yaml:"fields"`
}

// GroupField is one column of a repeated contact slot.
type GroupField struct {
	Offset int    `yaml:"offset"`
	Field  Field  `yaml:"field"`
	Clean  string `yaml:"clean"`
}

// Group describes contact slots repeated across a wide row. Slots start at
// Start and repeat every Stride columns until End (exclusive, zero means
// the end of the row). Iteration stops at the first slot whose first
// column is empty or null.
type Group struct {
	Start  int          `yaml:"start"`
	Stride int          `yaml:"stride"`
	End    int          `yaml:"end"`
	Fields []GroupField `yaml:"fields"`
}

// ObservationClass is the entity type an observation is stored as.
type ObservationClass string

const (
	Diagnostic            ObservationClass = "Diagnostic"
	AdditionalData        ObservationClass = "AdditionalData"
	CumulativeContactData ObservationClass = "CumulativeContactData"
)

// ObservationSpec turns header-named columns into name/value records. The
// name is the header cell of each column and the value is read ValueOffset
// columns to the right. Columns are Cols plus, when From is positive, every
// column from From to the end of the row.
//
// When Present is set a record is emitted only for cells equal to it
// (case-insensitive) and carries no value. When Dated is set the named
// column holds the observation date and the value must follow it.
type ObservationSpec struct {
	Class       ObservationClass `yaml:"class"`
	Cols        []int            `yaml:"cols"`
	From        int              `yaml:"from"`
	ValueOffset int              `yaml:"valueOffset"`
	Dated       bool             `yaml:"dated"`
	Present     string           `yaml:"present"`
}

// AttrSpec copies a column into a free-named outcome attribute.
type AttrSpec struct {
	Col   int    `yaml:"col"`
	Name  string `yaml:"name"`
	Clean string `yaml:"clean"`
}

// ReferralAction is how a row touches its referral.
type ReferralAction string

const (
	ReferralNone ReferralAction = ""
	// ReferralUpsert creates the referral or fills its absent fields.
	ReferralUpsert ReferralAction = "upsert"
	// ReferralBackfill fills absent fields of an existing referral only.
	ReferralBackfill ReferralAction = "backfill"
	// ReferralOverwrite replaces existing fields with present values.
	ReferralOverwrite ReferralAction = "overwrite"
)

// ContactAction is how a row's contact fields become Contact entities.
type ContactAction string

const (
	ContactNone ContactAction = ""
	// ContactKeyed keeps one contact per referral, first write wins.
	ContactKeyed ContactAction = "keyed"
	// ContactAppend records every row as its own contact.
	ContactAppend ContactAction = "append"
)

// Schema is the column map of one (site, file kind) pair together with the
// entity actions its rows drive.
type Schema struct {
	// Key is the field a row cannot be processed without; defaults to
	// PatientID.
	Key          Field             `yaml:"key"`
	Width        int               `yaml:"width"`
	Fields       []FieldSpec       `yaml:"fields"`
	Variants     []Variant         `yaml:"variants"`
	Contacts     *Group            `yaml:"contacts"`
	Observations []ObservationSpec `yaml:"observations"`
	Outcome      []AttrSpec        `yaml:"outcome"`

	Patient        bool           `yaml:"patient"`
	Referral       ReferralAction `yaml:"referral"`
	Contact        ContactAction  `yaml:"contact"`
	RequirePatient bool           `yaml:"requirePatient"`
}

// KeyField returns the row key field.
func (s *Schema) KeyField() Field {
	if s.Key == "" {
		return PatientID
	}
	return s.Key
}

// MinWidth is the narrowest row the schema can read. Rows narrower than
// this are skipped. Repeated contact groups do not count: slots past the
// end of a row simply end the iteration.
func (s *Schema) MinWidth() int {
	w := s.Width
	grow := func(col int) {
		if col+1 > w {
			w = col + 1
		}
	}
	fields := func(specs []FieldSpec) {
		for _, f := range specs {
			grow(f.Col)
			for _, c := range f.Join {
				grow(c)
			}
		}
	}
	fields(s.Fields)
	for _, v := range s.Variants {
		grow(v.When.Col)
		fields(v.Fields)
	}
	for _, o := range s.Observations {
		for _, c := range o.Cols {
			grow(c + o.ValueOffset)
		}
		if o.From > 0 {
			grow(o.From)
		}
	}
	for _, a := range s.Outcome {
		grow(a.Col)
	}
	return w
}

// FieldsFor returns the field specs that apply to row, with the first
// matching variant laid over the base fields.
func (s *Schema) FieldsFor(row []string) []FieldSpec {
	for _, v := range s.Variants {
		if !v.When.matches(row) {
			continue
		}
		replaced := make(map[Field]bool, len(v.Fields))
		for _, f := range v.Fields {
			replaced[f.Field] = true
		}
		out := make([]FieldSpec, 0, len(s.Fields)+len(v.Fields))
		out = append(out, v.Fields...)
		for _, f := range s.Fields {
			if !replaced[f.Field] {
				out = append(out, f)
			}
		}
		return out
	}
	return s.Fields
}

func (m Match) matches(row []string) bool {
	if m.Col < 0 || m.Col >= len(row) {
		return false
	}
	for _, token := range m.Contains {
		if token != "" && strings.Contains(row[m.Col], token) {
			return true
		}
	}
	return false
}

// Validate checks column indexes, field names, cleaners and actions.
func (s *Schema) Validate(rules []cleanse.Rule) error {
	if !s.KeyField().Valid() {
		return fmt.Errorf("unknown key field %q", s.Key)
	}
	if s.Width < 0 {
		return fmt.Errorf("negative width %d", s.Width)
	}
	if err := validateFields(s.Fields, rules); err != nil {
		return err
	}
	for i, v := range s.Variants {
		if v.When.Col < 0 || len(v.When.Contains) == 0 {
			return fmt.Errorf("variant %d: match needs a column and at least one token", i)
		}
		if err := validateFields(v.Fields, rules); err != nil {
			return fmt.Errorf("variant %d: %w", i, err)
		}
	}
	if g := s.Contacts; g != nil {
		if g.Start < 0 || g.Stride <= 0 {
			return fmt.Errorf("contact group needs a non-negative start and positive stride")
		}
		if g.End != 0 && g.End <= g.Start {
			return fmt.Errorf("contact group end %d must be after start %d", g.End, g.Start)
		}
		if len(g.Fields) == 0 {
			return fmt.Errorf("contact group has no fields")
		}
		for _, f := range g.Fields {
			if f.Offset < 0 || f.Offset >= g.Stride {
				return fmt.Errorf("contact group field %s: offset %d outside stride %d", f.Field, f.Offset, g.Stride)
			}
			if !f.Field.Valid() {
				return fmt.Errorf("contact group: unknown field %q", f.Field)
			}
			if _, err := cleanse.Lookup(f.Clean, rules); err != nil {
				return fmt.Errorf("contact group field %s: %w", f.Field, err)
			}
		}
	}
	for i, o := range s.Observations {
		switch o.Class {
		case Diagnostic, AdditionalData, CumulativeContactData:
		default:
			return fmt.Errorf("observation %d: unknown class %q", i, o.Class)
		}
		if len(o.Cols) == 0 && o.From <= 0 {
			return fmt.Errorf("observation %d: no columns", i)
		}
		if o.ValueOffset < 0 || o.From < 0 {
			return fmt.Errorf("observation %d: negative offset", i)
		}
		if o.Dated && o.ValueOffset == 0 {
			return fmt.Errorf("observation %d: dated observations need a value offset", i)
		}
		for _, c := range o.Cols {
			if c < 0 {
				return fmt.Errorf("observation %d: negative column %d", i, c)
			}
		}
	}
	for _, a := range s.Outcome {
		if a.Col < 0 || a.Name == "" {
			return fmt.Errorf("outcome attribute %q at column %d is invalid", a.Name, a.Col)
		}
		if _, err := cleanse.Lookup(a.Clean, rules); err != nil {
			return fmt.Errorf("outcome attribute %s: %w", a.Name, err)
		}
	}
	switch s.Referral {
	case ReferralNone, ReferralUpsert, ReferralBackfill, ReferralOverwrite:
	default:
		return fmt.Errorf("unknown referral action %q", s.Referral)
	}
	switch s.Contact {
	case ContactNone, ContactKeyed, ContactAppend:
	default:
		return fmt.Errorf("unknown contact action %q", s.Contact)
	}
	if (s.Patient || s.Referral != ReferralNone || s.Contact == ContactKeyed) && !s.hasField(PatientID) && s.KeyField() != ReferralID {
		return fmt.Errorf("patient and referral actions need a %s column", PatientID)
	}
	if s.Referral != ReferralNone && !s.hasField(ReferralID) {
		return fmt.Errorf("referral action %q needs a %s column", s.Referral, ReferralID)
	}
	return nil
}

func (s *Schema) hasField(f Field) bool {
	for _, spec := range s.Fields {
		if spec.Field == f {
			return true
		}
	}
	return false
}

func validateFields(specs []FieldSpec, rules []cleanse.Rule) error {
	for _, f := range specs {
		if f.Col < 0 {
			return fmt.Errorf("field %s: negative column %d", f.Field, f.Col)
		}
		for _, c := range f.Join {
			if c < 0 {
				return fmt.Errorf("field %s: negative join column %d", f.Field, c)
			}
		}
		if !f.Field.Valid() {
			return fmt.Errorf("unknown field %q", f.Field)
		}
		if _, err := cleanse.Lookup(f.Clean, rules); err != nil {
			return fmt.Errorf("field %s: %w", f.Field, err)
		}
	}
	return nil
}
