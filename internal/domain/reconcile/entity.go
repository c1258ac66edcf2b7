// Package reconcile merges normalized extract rows into one entity graph per
// site and flushes it to a warehouse store.
package reconcile

import (
	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
)

// Entity types written to the warehouse.
const (
	TypeDataSource            = "DataSource"
	TypeDataSet               = "DataSet"
	TypePatient               = "Patient"
	TypeReferral              = "Referral"
	TypeContact               = "Contact"
	TypeDiagnostic            = "Diagnostic"
	TypeAdditionalData        = "AdditionalData"
	TypeCumulativeContactData = "CumulativeContactData"
	TypeClinicalOutcome       = "ClinicalOutcome"
)

// DataSourceName names the single data source of every run.
const DataSourceName = "NHS"

// MergePhase selects how UpsertReferral treats an existing referral.
type MergePhase int

const (
	// CreateOrFillAbsent creates the referral or fills its absent fields.
	CreateOrFillAbsent MergePhase = iota
	// FillAbsentOnly fills absent fields of an existing referral and never
	// creates one.
	FillAbsentOnly
	// Overwrite creates the referral or replaces fields with present values.
	Overwrite
)

func (p MergePhase) String() string {
	switch p {
	case CreateOrFillAbsent:
		return "create-or-fill-absent"
	case FillAbsentOnly:
		return "fill-absent-only"
	case Overwrite:
		return "overwrite"
	}
	return "unknown"
}

// PhaseFor maps a schema referral action to its merge phase.
func PhaseFor(a site.ReferralAction) (MergePhase, bool) {
	switch a {
	case site.ReferralUpsert:
		return CreateOrFillAbsent, true
	case site.ReferralBackfill:
		return FillAbsentOnly, true
	case site.ReferralOverwrite:
		return Overwrite, true
	}
	return 0, false
}

// Warehouse attribute names per canonical field.
var (
	referralAttrs = []attrMap{
		{site.Age, "patientAge"},
		{site.Locality, "locality"},
		{site.Diagnosis, "ICD10diagnosis"},
		{site.Urgency, "urgency"},
		{site.Source, "source"},
		{site.Outcome, "outcome"},
		{site.ReferralDate, "referralDate"},
		{site.TriageDate, "triageDate"},
		{site.AssessmentDate, "assessmentDate"},
		{site.FirstTreatmentDate, "firstTreatmentDate"},
		{site.DischargeDate, "dischargeDate"},
		{site.DischargeReason, "dischargeReason"},
		{site.CumulativeCount, "cumulativeCAMHS"},
		{site.ReferralTeam, "referralTeam"},
		{site.DiagnosisStartDate, "diagnosisStartDate"},
		{site.DiagnosisEndDate, "diagnosisEndDate"},
	}
	contactAttrs = []attrMap{
		{site.ContactID, "identifier"},
		{site.Ordinal, "ordinal"},
		{site.ContactDate, "contactDate"},
		{site.ContactUrgency, "urgency"},
		{site.ContactType, "contactType"},
		{site.Attendance, "attendance"},
		{site.ContactOutcome, "contactOutcome"},
		{site.Team, "team"},
		{site.TeamTier, "teamTier"},
	}
)

type attrMap struct {
	field site.Field
	attr  string
}

// Fields is a set of cleaned canonical values.
type Fields map[site.Field]string

func (f Fields) pick(mapping []attrMap) map[string]string {
	out := make(map[string]string, len(mapping))
	for _, m := range mapping {
		if v := f[m.field]; v != "" {
			out[m.attr] = v
		}
	}
	return out
}

func (f Fields) any(mapping []attrMap) bool {
	for _, m := range mapping {
		if f[m.field] != "" {
			return true
		}
	}
	return false
}

// Location identifies the row that produced an entity.
type Location struct {
	File string
	Row  int
}

type entity struct {
	item       *warehouse.Item
	patientID  string
	referralID string
	origin     Location
	dirty      bool
	warned     bool
}

// fill sets absent attributes and reports whether anything changed.
func (e *entity) fill(attrs map[string]string) bool {
	changed := false
	for name, v := range attrs {
		if _, ok := e.item.Attr(name); !ok {
			e.item.Set(name, v)
			changed = true
		}
	}
	return changed
}

// overwrite sets every present attribute and reports whether anything
// changed.
func (e *entity) overwrite(attrs map[string]string) bool {
	changed := false
	for name, v := range attrs {
		if cur, ok := e.item.Attr(name); !ok || cur != v {
			e.item.Set(name, v)
			changed = true
		}
	}
	return changed
}

// cache is a keyed entity cache that remembers first-seen order.
type cache struct {
	byKey map[string]*entity
	order []*entity
}

func newCache() cache {
	return cache{byKey: make(map[string]*entity)}
}

func (c *cache) get(key string) *entity {
	return c.byKey[key]
}

func (c *cache) add(key string, e *entity) {
	c.byKey[key] = e
	c.order = append(c.order, e)
}

func (c *cache) len() int {
	return len(c.order)
}

func patRefID(patientID, referralID string) string {
	return patientID + "-" + referralID
}
