package reconcile

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ithrive/reconcile/internal/domain/normalize"
	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
)

func testSite() *site.Site {
	return &site.Site{
		Name:      "Testshire",
		Fragments: []string{"Testshire"},
		Class:     site.Control,
		Schemas: map[site.FileKind]*site.Schema{
			site.KindPatient: {
				Fields: []site.FieldSpec{
					{Col: 0, Field: site.PatientID},
					{Col: 1, Field: site.ReferralID},
					{Col: 2, Field: site.Age},
					{Col: 3, Field: site.Ethnicity},
					{Col: 4, Field: site.Gender},
				},
				Patient:  true,
				Referral: site.ReferralUpsert,
			},
		},
	}
}

// newTestContext returns a context whose data set is already stored.
func newTestContext(t *testing.T, log zerolog.Logger) (*Context, *warehouse.Memory) {
	t.Helper()
	store := warehouse.NewMemory()
	ds := warehouse.NewItem(TypeDataSet)
	ds.Set("name", "Testshire")
	if err := store.Store(context.Background(), ds); err != nil {
		t.Fatalf("store data set: %v", err)
	}
	return NewContext(testSite(), ds, log), store
}

// assertClosure checks that every reference points at an item submitted
// earlier.
func assertClosure(t *testing.T, store *warehouse.Memory) {
	t.Helper()
	seen := make(map[string]bool)
	for _, it := range store.Submissions() {
		for name, target := range it.References {
			if target != it.ID && !seen[target.String()] {
				t.Errorf("%s %s references %s %s before it was stored", it.Type, it.ID, name, target)
			}
		}
		seen[it.ID.String()] = true
	}
}

func TestEndToEnd_PatientAndReferral(t *testing.T) {
	c, store := newTestContext(t, zerolog.Nop())
	schema := testSite().Schemas[site.KindPatient]
	header := []string{"id", "ref", "age", "eth", "gender"}

	rec, err := normalize.Normalize([]string{"1021297", "4", "17", "White - British", "M"}, header, schema, nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	c.Locate("Testshire Patient.csv", 1)
	c.Apply(schema, rec)

	before := len(store.Submissions())
	if err := c.Flush(context.Background(), store); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	subs := store.Submissions()[before:]
	if len(subs) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(subs))
	}

	patient, referral := subs[0], subs[1]
	if patient.Type != TypePatient || referral.Type != TypeReferral {
		t.Fatalf("submission order = %s, %s", patient.Type, referral.Type)
	}
	if v, _ := patient.Attr("identifier"); v != "1021297" {
		t.Errorf("patient identifier = %q", v)
	}
	if v, _ := patient.Attr("ethnicity"); v != "White - British" {
		t.Errorf("ethnicity = %q", v)
	}
	if v, _ := patient.Attr("gender"); v != "M" {
		t.Errorf("gender = %q", v)
	}
	if v, _ := patient.Attr("site"); v != "Testshire" {
		t.Errorf("site = %q", v)
	}
	if v, _ := referral.Attr("patientAge"); v != "17" {
		t.Errorf("patientAge = %q", v)
	}
	if ref, ok := referral.Reference("patient"); !ok || ref != patient.ID {
		t.Errorf("referral not linked to patient")
	}
	if _, ok := c.Referral("1021297", "4"); !ok {
		t.Error("referral 1021297-4 not cached")
	}
	assertClosure(t, store)
}

func TestUpsertPatient_FirstWriteWins(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("1", "A", "M", "siteX")
	p := c.UpsertPatient("1", "B", "F", "siteX")

	if v, _ := p.Attr("ethnicity"); v != "A" {
		t.Errorf("ethnicity = %q, want A", v)
	}
	if v, _ := p.Attr("gender"); v != "M" {
		t.Errorf("gender = %q, want M", v)
	}
}

func TestUpsertPatient_FillsAbsent(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("1", "", "M", "siteX")
	p := c.UpsertPatient("1", "Asian", "F", "siteX")

	if v, _ := p.Attr("ethnicity"); v != "Asian" {
		t.Errorf("ethnicity = %q, want Asian", v)
	}
	if v, _ := p.Attr("gender"); v != "M" {
		t.Errorf("gender = %q, want M", v)
	}
}

func TestUpsertReferral_Commutative(t *testing.T) {
	a := Fields{site.Age: "12", site.Urgency: "Routine"}
	b := Fields{site.Source: "GP", site.DischargeDate: "01/02/17"}

	run := func(first, second Fields) map[string]string {
		c, _ := newTestContext(t, zerolog.Nop())
		c.UpsertPatient("P1", "", "", "")
		c.UpsertReferral("P1", "R1", first, CreateOrFillAbsent)
		r := c.UpsertReferral("P1", "R1", second, CreateOrFillAbsent)
		return r.Attributes
	}

	ab, ba := run(a, b), run(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Errorf("merge depends on order:\n%v\n%v", ab, ba)
	}
	if ab["patientAge"] != "12" || ab["source"] != "GP" {
		t.Errorf("attributes = %v", ab)
	}
}

func TestUpsertReferral_FillAbsentOnlyUnknown(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	if r := c.UpsertReferral("P1", "R1", Fields{site.Diagnosis: "F41"}, FillAbsentOnly); r != nil {
		t.Fatal("FillAbsentOnly created a referral")
	}
	if _, referrals, _ := c.Len(); referrals != 0 {
		t.Errorf("referrals = %d, want 0", referrals)
	}
	if w := c.Stats().Warnings; w != 1 {
		t.Errorf("warnings = %d, want 1", w)
	}
}

func TestUpsertReferral_Phases(t *testing.T) {
	tests := []struct {
		phase MergePhase
		want  string
	}{
		{CreateOrFillAbsent, "Routine"},
		{FillAbsentOnly, "Routine"},
		{Overwrite, "Urgent"},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			c, _ := newTestContext(t, zerolog.Nop())
			c.UpsertReferral("P1", "R1", Fields{site.Urgency: "Routine"}, CreateOrFillAbsent)
			r := c.UpsertReferral("P1", "R1", Fields{site.Urgency: "Urgent", site.Source: "GP"}, tt.phase)
			if v, _ := r.Attr("urgency"); v != tt.want {
				t.Errorf("urgency = %q, want %q", v, tt.want)
			}
			if v, _ := r.Attr("source"); v != "GP" {
				t.Errorf("source = %q, want GP", v)
			}
		})
	}
}

func TestUpsertReferral_MissingKey(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	if r := c.UpsertReferral("P1", "", Fields{}, CreateOrFillAbsent); r != nil {
		t.Error("referral created without referral id")
	}
}

func TestUpsertReferral_AgeFromPatientTable(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	c.RememberAge("P1", "9")
	c.RememberAge("P1", "10")

	r := c.UpsertReferral("P1", "R1", Fields{site.Urgency: "Routine"}, CreateOrFillAbsent)
	if v, _ := r.Attr("patientAge"); v != "9" {
		t.Errorf("patientAge = %q, want 9", v)
	}
	r = c.UpsertReferral("P1", "R2", Fields{site.Age: "11"}, CreateOrFillAbsent)
	if v, _ := r.Attr("patientAge"); v != "11" {
		t.Errorf("patientAge = %q, want 11", v)
	}
}

func TestUpsertContact_ResolvesOwner(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("P1", "", "", "")
	c.UpsertReferral("P1", "R1", nil, CreateOrFillAbsent)
	if owner, ok := c.Owner("R1"); !ok || owner != "P1" {
		t.Fatalf("owner = %q, %v", owner, ok)
	}

	first := c.UpsertContact("", "R1", Fields{site.ContactDate: "01/01/16"})
	second := c.UpsertContact("P1", "R1", Fields{site.ContactDate: "02/02/16", site.Team: "Tier 3"})
	if first != second {
		t.Fatal("same referral produced two contacts")
	}
	if v, _ := first.Attr("contactDate"); v != "01/01/16" {
		t.Errorf("contactDate = %q, want 01/01/16", v)
	}
	if v, _ := first.Attr("team"); v != "Tier 3" {
		t.Errorf("team = %q", v)
	}
	if _, ok := first.Reference("referral"); !ok {
		t.Error("contact not linked to referral")
	}
}

func TestNoDuplicateKeys(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	for i := 0; i < 3; i++ {
		c.UpsertPatient("P1", "", "", "")
		c.UpsertPatient("P2", "", "", "")
		c.UpsertReferral("P1", "R1", nil, CreateOrFillAbsent)
		c.UpsertReferral("P2", "R1", nil, CreateOrFillAbsent)
		c.UpsertContact("P1", "R1", nil)
	}
	p, r, k := c.Len()
	if p != 2 || r != 2 || k != 1 {
		t.Errorf("Len() = %d, %d, %d, want 2, 2, 1", p, r, k)
	}
}

func TestAppendContact_NoDedup(t *testing.T) {
	c, store := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("P1", "", "", "")
	c.UpsertReferral("P1", "R1", nil, CreateOrFillAbsent)
	c.AppendContact("P1", "R1", Fields{site.ContactDate: "01/01/16"})
	c.AppendContact("P1", "R1", Fields{site.ContactDate: "01/01/16"})

	if err := c.Flush(context.Background(), store); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(store.Items(TypeContact)); n != 2 {
		t.Errorf("contacts = %d, want 2", n)
	}
}

func TestFlush_LinksLateParents(t *testing.T) {
	c, store := newTestContext(t, zerolog.Nop())
	c.Locate("a.csv", 1)
	c.AppendContact("P1", "R1", Fields{site.ContactDate: "01/01/16"})
	c.AppendObservation(TypeDiagnostic, "P1", "R1", map[string]string{"observation": "RCADS"})
	c.UpsertReferral("P1", "R1", nil, CreateOrFillAbsent)
	c.UpsertPatient("P1", "", "M", "")

	if err := c.Flush(context.Background(), store); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, typ := range []string{TypeReferral, TypeContact, TypeDiagnostic} {
		items := store.Items(typ)
		if len(items) != 1 {
			t.Fatalf("%s count = %d", typ, len(items))
		}
		if _, ok := items[0].Reference("patient"); !ok {
			t.Errorf("%s not linked to patient", typ)
		}
	}
	if _, ok := store.Items(TypeContact)[0].Reference("referral"); !ok {
		t.Error("contact not linked to referral")
	}
	if w := c.Stats().Warnings; w != 0 {
		t.Errorf("warnings = %d, want 0", w)
	}
	assertClosure(t, store)
}

func TestFlush_WarnsOncePerUnresolvedEntity(t *testing.T) {
	var buf bytes.Buffer
	c, store := newTestContext(t, zerolog.New(&buf))
	c.Locate("Testshire Contact.csv", 7)
	c.UpsertContact("P9", "R9", Fields{site.ContactDate: "01/01/16"})

	for i := 0; i < 2; i++ {
		if err := c.Flush(context.Background(), store); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if w := c.Stats().Warnings; w != 1 {
		t.Errorf("warnings = %d, want 1", w)
	}
	out := buf.String()
	for _, want := range []string{`"site":"Testshire"`, `"file":"Testshire Contact.csv"`, `"row":7`, `"key":"P9"`} {
		if !strings.Contains(out, want) {
			t.Errorf("warning %s missing %s", out, want)
		}
	}
}

func TestFlush_StoresOnlyChanges(t *testing.T) {
	c, store := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("P1", "", "M", "")
	c.UpsertReferral("P1", "R1", nil, CreateOrFillAbsent)
	ctx := context.Background()

	if err := c.Flush(ctx, store); err != nil {
		t.Fatal(err)
	}
	n := len(store.Submissions())
	if err := c.Flush(ctx, store); err != nil {
		t.Fatal(err)
	}
	if got := len(store.Submissions()); got != n {
		t.Errorf("unchanged flush stored %d items", got-n)
	}

	c.UpsertReferral("P1", "R1", Fields{site.Urgency: "Routine"}, CreateOrFillAbsent)
	if err := c.Flush(ctx, store); err != nil {
		t.Fatal(err)
	}
	subs := store.Submissions()
	if len(subs) != n+1 || subs[n].Type != TypeReferral {
		t.Errorf("expected the referral to be stored again")
	}
	if store.Checkpoints() != 3 {
		t.Errorf("checkpoints = %d, want 3", store.Checkpoints())
	}
}

func TestApply_RequirePatient(t *testing.T) {
	c, _ := newTestContext(t, zerolog.Nop())
	schema := &site.Schema{
		Fields:         []site.FieldSpec{{Col: 0, Field: site.PatientID}, {Col: 1, Field: site.ReferralID}, {Col: 2, Field: site.ContactDate}},
		Contact:        site.ContactKeyed,
		RequirePatient: true,
	}
	rec, err := normalize.Normalize([]string{"P1", "R1", "01/01/16"}, []string{"a", "b", "c"}, schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Apply(schema, rec)
	if _, _, k := c.Len(); k != 0 {
		t.Errorf("contact created for unknown patient")
	}
	if st := c.Stats(); st.Skipped != 1 || st.Warnings != 1 {
		t.Errorf("stats = %+v", st)
	}

	c.UpsertPatient("P1", "", "", "")
	c.Apply(schema, rec)
	if _, _, k := c.Len(); k != 1 {
		t.Errorf("contacts = %d, want 1", k)
	}
}

func TestApply_OutcomeAttributes(t *testing.T) {
	c, store := newTestContext(t, zerolog.Nop())
	c.UpsertPatient("P1", "", "", "")
	schema := &site.Schema{
		Fields: []site.FieldSpec{{Col: 0, Field: site.PatientID}, {Col: 1, Field: site.ReferralID}},
		Outcome: []site.AttrSpec{
			{Col: 2, Name: "ratingDate"},
			{Col: 3, Name: "cgasScore"},
		},
	}
	rec, err := normalize.Normalize([]string{"P1", "R1", "01/01/16", "55"}, []string{"a", "b", "c", "d"}, schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Apply(schema, rec)
	if err := c.Flush(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	outcomes := store.Items(TypeClinicalOutcome)
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if v, _ := outcomes[0].Attr("cgasScore"); v != "55" {
		t.Errorf("cgasScore = %q", v)
	}
	if _, ok := outcomes[0].Reference("patient"); !ok {
		t.Error("outcome not linked to patient")
	}
	if n := len(store.Items(TypePatient)); n != 1 {
		t.Errorf("patients = %d, want 1", n)
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		action site.ReferralAction
		want   MergePhase
		ok     bool
	}{
		{site.ReferralUpsert, CreateOrFillAbsent, true},
		{site.ReferralBackfill, FillAbsentOnly, true},
		{site.ReferralOverwrite, Overwrite, true},
		{site.ReferralNone, 0, false},
	}
	for _, tt := range tests {
		got, ok := PhaseFor(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PhaseFor(%q) = %v, %v", tt.action, got, ok)
		}
	}
}
