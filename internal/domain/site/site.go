// Package site describes the clinical-service sites whose extracts are
// reconciled: how a file name maps to a site and file kind, and how each
// (site, kind) pair lays out its columns.
package site

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ithrive/reconcile/internal/platform/cleanse"
)

var (
	ErrUnknownSite = errors.New("unknown site")
	ErrUnknownKind = errors.New("unknown file kind")
	ErrNoSchema    = errors.New("no column map")
)

// Classification tags a site as part of the intervention or control arm.
type Classification string

const (
	Control     Classification = "control"
	Accelerator Classification = "accelerator"
)

// FileKind is the role a file plays within its site package.
type FileKind string

const (
	KindPatient   FileKind = "patient"
	KindReferral  FileKind = "referral"
	KindContact   FileKind = "contact"
	KindDiagnosis FileKind = "diagnosis"
	KindOutcome   FileKind = "outcome"
	KindCombined  FileKind = "combined"
)

// Phase orders files inside a site: demographics before referrals, referrals
// before contacts, contacts before diagnostic and outcome data.
func (k FileKind) Phase() int {
	switch k {
	case KindPatient, KindCombined:
		return 0
	case KindReferral:
		return 1
	case KindContact:
		return 2
	case KindDiagnosis, KindOutcome:
		return 3
	}
	return 4
}

func (k FileKind) valid() bool {
	return k.Phase() < 4
}

// FlushPolicy controls when cached entities are pushed to the store.
type FlushPolicy string

const (
	// FlushPerFile flushes after every file of the site.
	FlushPerFile FlushPolicy = "file"
	// FlushPerSite flushes once after the last file of the site.
	FlushPerSite FlushPolicy = "site"
)

// KindRule classifies a file whose name contains Fragment.
type KindRule struct {
	Fragment string   `yaml:"fragment"`
	Kind     FileKind `yaml:"kind"`
}

// DefaultKindRules is used by sites that do not declare their own rules.
var DefaultKindRules = []KindRule{
	{Fragment: "Patient", Kind: KindPatient},
	{Fragment: "Referral", Kind: KindReferral},
	{Fragment: "Contact", Kind: KindContact},
	{Fragment: "Activity", Kind: KindContact},
	{Fragment: "Outcome", Kind: KindOutcome},
	{Fragment: "Diagnosis", Kind: KindDiagnosis},
}

// Site is one clinical-service source and its extract layout.
type Site struct {
	Name       string         `yaml:"name"`
	Fragments  []string       `yaml:"fragments"`
	Class      Classification `yaml:"class"`
	IDRules    []cleanse.Rule `yaml:"idRules"`
	Flush      FlushPolicy    `yaml:"flush"`
	SingleFile bool           `yaml:"singleFile"`
	Kinds      []KindRule     `yaml:"kinds"`
	// DefaultKind classifies files no kind rule matches.
	DefaultKind FileKind `yaml:"defaultKind"`
	// AllowedLocalities, when set, lists the patient localities the site
	// serves; others are reported once per patient.
	AllowedLocalities []string             `yaml:"allowedLocalities"`
	Schemas           map[FileKind]*Schema `yaml:"schemas"`
}

// Rules returns the identifier rules of the site.
func (s *Site) Rules() []cleanse.Rule {
	if s.IDRules == nil {
		return cleanse.DefaultRules
	}
	return s.IDRules
}

// FlushMode returns the effective flush policy.
func (s *Site) FlushMode() FlushPolicy {
	if s.Flush == "" {
		return FlushPerSite
	}
	return s.Flush
}

// Matches reports whether fileName carries one of the site fragments.
func (s *Site) Matches(fileName string) bool {
	for _, f := range s.Fragments {
		if strings.Contains(fileName, f) {
			return true
		}
	}
	return false
}

// Classify derives the file kind from the file name.
func (s *Site) Classify(fileName string) (FileKind, error) {
	if s.SingleFile {
		return KindCombined, nil
	}
	rules := s.Kinds
	if rules == nil {
		rules = DefaultKindRules
	}
	for _, r := range rules {
		if strings.Contains(fileName, r.Fragment) {
			return r.Kind, nil
		}
	}
	if s.DefaultKind != "" {
		return s.DefaultKind, nil
	}
	return "", fmt.Errorf("%w: %s file %s", ErrUnknownKind, s.Name, fileName)
}

// ColumnMap returns the schema for a file kind.
func (s *Site) ColumnMap(kind FileKind) (*Schema, error) {
	schema, ok := s.Schemas[kind]
	if !ok || schema == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNoSchema, s.Name, kind)
	}
	return schema, nil
}

// AllowsLocality reports whether a patient locality is served by the site.
func (s *Site) AllowsLocality(locality string) bool {
	if len(s.AllowedLocalities) == 0 {
		return true
	}
	for _, l := range s.AllowedLocalities {
		if strings.EqualFold(l, locality) {
			return true
		}
	}
	return false
}

// Validate checks the site definition and every schema it carries.
func (s *Site) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("site name is required")
	}
	if len(s.Fragments) == 0 {
		return fmt.Errorf("site %s: at least one file name fragment is required", s.Name)
	}
	for _, f := range s.Fragments {
		if f == "" {
			return fmt.Errorf("site %s: empty file name fragment", s.Name)
		}
	}
	if s.Class != Control && s.Class != Accelerator {
		return fmt.Errorf("site %s: class must be %q or %q, got %q", s.Name, Control, Accelerator, s.Class)
	}
	if err := cleanse.ValidateRules(s.IDRules); err != nil {
		return fmt.Errorf("site %s: %w", s.Name, err)
	}
	switch s.Flush {
	case "", FlushPerFile, FlushPerSite:
	default:
		return fmt.Errorf("site %s: unknown flush policy %q", s.Name, s.Flush)
	}
	for _, r := range s.Kinds {
		if r.Fragment == "" || !r.Kind.valid() {
			return fmt.Errorf("site %s: invalid kind rule %q -> %q", s.Name, r.Fragment, r.Kind)
		}
	}
	if s.DefaultKind != "" && !s.DefaultKind.valid() {
		return fmt.Errorf("site %s: unknown default kind %q", s.Name, s.DefaultKind)
	}
	if len(s.Schemas) == 0 {
		return fmt.Errorf("site %s: no schemas", s.Name)
	}
	for kind, schema := range s.Schemas {
		if !kind.valid() {
			return fmt.Errorf("site %s: unknown file kind %q", s.Name, kind)
		}
		if schema == nil {
			return fmt.Errorf("site %s %s: empty schema", s.Name, kind)
		}
		if err := schema.Validate(s.Rules()); err != nil {
			return fmt.Errorf("site %s %s: %w", s.Name, kind, err)
		}
	}
	return nil
}
