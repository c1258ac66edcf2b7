package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/rowsource"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
)

func header(width int) []string {
	h := make([]string, width)
	for i := range h {
		h[i] = fmt.Sprintf("col%d", i)
	}
	return h
}

func wide(width int, cells map[int]string) []string {
	row := make([]string, width)
	for c, v := range cells {
		row[c] = v
	}
	return row
}

func csvFile(t *testing.T, name string, head []string, rows ...[]string) rowsource.File {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(head); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteAll(rows); err != nil {
		t.Fatal(err)
	}
	return rowsource.FromBytes(name, buf.Bytes())
}

func run(t *testing.T, log zerolog.Logger, files ...rowsource.File) (*Summary, *warehouse.Memory) {
	t.Helper()
	store := warehouse.NewMemory()
	sum, err := NewDriver(site.Default(), store, log).Run(context.Background(), files)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertClosure(t, store)
	return sum, store
}

func attr(it *warehouse.Item, name string) string {
	v, _ := it.Attr(name)
	return v
}

func TestRun_DataSourceAndDataSets(t *testing.T) {
	portsmouth := csvFile(t, "Portsmouth Patient.csv", header(17),
		wide(17, map[int]string{0: "RT100", 1: "5_C_7", 2: "12", 4: "White", 5: "F"}))
	bradford := csvFile(t, "Bradford Patient.csv", header(6),
		wide(6, map[int]string{0: "B1", 1: "B1R", 2: "M", 3: "15"}))

	sum, store := run(t, zerolog.Nop(), bradford, portsmouth)

	sources := store.Items(TypeDataSource)
	if len(sources) != 1 || attr(sources[0], "name") != DataSourceName {
		t.Fatalf("data sources = %v", sources)
	}
	sets := store.Items(TypeDataSet)
	if len(sets) != 2 {
		t.Fatalf("data sets = %d, want 2", len(sets))
	}
	// Registry order, not argument order.
	if attr(sets[0], "name") != "Bradford" || attr(sets[1], "name") != "Portsmouth" {
		t.Errorf("data set order = %s, %s", attr(sets[0], "name"), attr(sets[1], "name"))
	}
	if attr(sets[0], "type") != string(site.Control) {
		t.Errorf("data set type = %q", attr(sets[0], "type"))
	}
	if ref, _ := sets[0].Reference("dataSource"); ref != sources[0].ID {
		t.Error("data set not linked to data source")
	}

	patients := store.Items(TypePatient)
	if len(patients) != 2 {
		t.Fatalf("patients = %d, want 2", len(patients))
	}
	if attr(patients[1], "identifier") != "100" {
		t.Errorf("patient identifier = %q, want 100", attr(patients[1], "identifier"))
	}
	if ref, _ := patients[1].Reference("dataSet"); ref != sets[1].ID {
		t.Error("patient linked to the wrong data set")
	}
	refs := store.Items(TypeReferral)
	if len(refs) != 2 || attr(refs[1], "identifier") != "7" {
		t.Errorf("referrals = %v", refs)
	}

	if len(sum.Sites) != 2 || sum.Files != 2 || sum.Rows != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Entities[TypePatient] != 2 || sum.Entities[TypeDataSet] != 2 {
		t.Errorf("entities = %v", sum.Entities)
	}
	if sum.Stored != len(store.Submissions()) {
		t.Errorf("stored = %d, submissions = %d", sum.Stored, len(store.Submissions()))
	}
}

func TestRun_PhaseOrdering(t *testing.T) {
	contacts := csvFile(t, "Portsmouth Contact.csv", header(10),
		wide(10, map[int]string{0: "P1", 1: "R1", 2: "A1", 4: "01/01/16", 6: "F2F"}))
	referrals := csvFile(t, "Portsmouth Referral.csv", header(17),
		wide(17, map[int]string{0: "P1", 1: "R1"}))

	sum, store := run(t, zerolog.Nop(), contacts, referrals)

	if sum.SkippedRows != 0 {
		t.Errorf("skipped rows = %d, want 0", sum.SkippedRows)
	}
	got := store.Items(TypeContact)
	if len(got) != 1 {
		t.Fatalf("contacts = %d, want 1", len(got))
	}
	if attr(got[0], "contactType") != "F2F" {
		t.Errorf("contactType = %q", attr(got[0], "contactType"))
	}
	if _, ok := got[0].Reference("referral"); !ok {
		t.Error("contact not linked to referral")
	}
}

func TestRun_FlushPolicy(t *testing.T) {
	tests := []struct {
		name        string
		files       []string
		width       int
		checkpoints int
	}{
		{"per file", []string{"Portsmouth Patient.csv", "Portsmouth Referral.csv"}, 17, 3},
		{"per site", []string{"Waltham Forest Patient.csv", "Waltham Forest Referral.csv"}, 24, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var files []rowsource.File
			for _, name := range tt.files {
				files = append(files, csvFile(t, name, header(tt.width),
					wide(tt.width, map[int]string{0: "P1", 1: "R1"})))
			}
			sum, store := run(t, zerolog.Nop(), files...)
			if sum.Files != 2 {
				t.Fatalf("files = %d, want 2", sum.Files)
			}
			if got := store.Checkpoints(); got != tt.checkpoints {
				t.Errorf("checkpoints = %d, want %d", got, tt.checkpoints)
			}
			if n := len(store.Items(TypeReferral)); n != 1 {
				t.Errorf("referrals = %d, want 1", n)
			}
		})
	}
}

func TestRun_OutcomeCreatesPatient(t *testing.T) {
	patients := csvFile(t, "Lewisham Patient.csv", header(23),
		wide(23, map[int]string{0: "111", 1: "R1", 2: "White", 3: "F"}))
	outcomes := csvFile(t, "Lewisham Outcome.csv", header(6),
		wide(6, map[int]string{0: "222", 1: "R9", 3: "01/01/16", 4: "55"}))

	_, store := run(t, zerolog.Nop(), outcomes, patients)

	got := store.Items(TypePatient)
	if len(got) != 2 {
		t.Fatalf("patients = %d, want 2", len(got))
	}
	rated := got[1]
	if attr(rated, "identifier") != "222" || attr(rated, "site") != "Lewisham" {
		t.Errorf("rated patient = %v", rated.Attributes)
	}
	if _, ok := rated.Attr("gender"); ok {
		t.Error("bare patient has a gender")
	}
	if _, ok := rated.Reference("dataSet"); !ok {
		t.Error("bare patient not linked to data set")
	}

	results := store.Items(TypeClinicalOutcome)
	if len(results) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(results))
	}
	if ref, ok := results[0].Reference("patient"); !ok || ref != rated.ID {
		t.Error("outcome not linked to its patient")
	}
	if attr(results[0], "cgasScore") != "55" {
		t.Errorf("cgasScore = %q", attr(results[0], "cgasScore"))
	}
}

func TestRun_SkipsFiles(t *testing.T) {
	files := []rowsource.File{
		csvFile(t, "Mystery.csv", header(3), wide(3, map[int]string{0: "x"})),
		csvFile(t, "Hertfordshire Notes.csv", header(3), wide(3, map[int]string{0: "x"})),
		csvFile(t, "Portsmouth Referral.csv", header(3), wide(3, map[int]string{0: "x"})),
		rowsource.FromString("Stockport Patient.csv", ""),
	}
	sum, store := run(t, zerolog.Nop(), files...)

	if sum.SkippedFiles != 4 || sum.Files != 0 {
		t.Errorf("skipped files = %d, files = %d", sum.SkippedFiles, sum.Files)
	}
	if n := len(store.Items(TypePatient)); n != 0 {
		t.Errorf("patients = %d, want 0", n)
	}
}

func TestRun_SkipsRows(t *testing.T) {
	f := csvFile(t, "Portsmouth Patient.csv", header(17),
		wide(17, nil),
		[]string{"P1", "R1"},
		wide(17, map[int]string{0: "NULL", 1: "R1"}),
		wide(17, map[int]string{0: "P2", 1: "R2"}),
	)
	sum, store := run(t, zerolog.Nop(), f)

	if sum.Rows != 4 || sum.SkippedRows != 3 {
		t.Errorf("rows = %d, skipped = %d", sum.Rows, sum.SkippedRows)
	}
	if n := len(store.Items(TypePatient)); n != 1 {
		t.Errorf("patients = %d, want 1", n)
	}
}

func TestRun_NorfolkOutOfArea(t *testing.T) {
	var buf bytes.Buffer
	f := csvFile(t, "Norfolk Data.csv", header(24),
		wide(24, map[int]string{0: "P1", 1: "R1", 7: "Great Yarmouth"}),
		wide(24, map[int]string{0: "P2", 1: "R2", 7: "Essex"}),
		wide(24, map[int]string{0: "P2", 1: "R3", 7: "Essex"}),
	)
	_, store := run(t, zerolog.New(&buf), f)

	if n := strings.Count(buf.String(), "patient outside site area"); n != 1 {
		t.Errorf("out-of-area warnings = %d, want 1", n)
	}
	patients := store.Items(TypePatient)
	if len(patients) != 2 || attr(patients[0], "site") != "Norfolk" {
		t.Errorf("patients = %v", patients)
	}
	if n := len(store.Items(TypeReferral)); n != 3 {
		t.Errorf("referrals = %d, want 3", n)
	}
}

func TestRun_ManchesterSwapAndAge(t *testing.T) {
	patients := csvFile(t, "Manchester Patient.csv", header(5),
		wide(5, map[int]string{1: "P1", 2: "12.7", 3: "F"}))
	referrals := csvFile(t, "Manchester Referral.csv", header(13),
		wide(13, map[int]string{1: "Salford", 2: "P1", 3: "R1"}),
		wide(13, map[int]string{1: "P1", 2: "Manchester", 3: "R2"}),
	)
	_, store := run(t, zerolog.Nop(), referrals, patients)

	refs := store.Items(TypeReferral)
	if len(refs) != 2 {
		t.Fatalf("referrals = %d, want 2", len(refs))
	}
	wantLocality := []string{"Salford", "Manchester"}
	for i, r := range refs {
		if attr(r, "patientAge") != "12" {
			t.Errorf("referral %d patientAge = %q, want 12", i, attr(r, "patientAge"))
		}
		if attr(r, "locality") != wantLocality[i] {
			t.Errorf("referral %d locality = %q", i, attr(r, "locality"))
		}
		if _, ok := r.Reference("patient"); !ok {
			t.Errorf("referral %d not linked to patient", i)
		}
	}
	if n := len(store.Items(TypePatient)); n != 1 {
		t.Errorf("patients = %d, want 1", n)
	}
}

func TestRun_CambridgeDiagnosis(t *testing.T) {
	demo := csvFile(t, "Cambridge PatLevDem.csv", header(6),
		wide(6, map[int]string{1: "P1", 2: "R1", 3: "14", 5: "M"}))
	head := append(header(8), "Anxiety", "ADHD", "Depression")
	dia := csvFile(t, "Cambridge PatLevDia.csv", head,
		wide(11, map[int]string{1: "P1", 2: "R1", 6: "F41", 7: "01/02/16", 8: "Yes", 9: "no", 10: "yes"}),
		wide(11, map[int]string{1: "P9", 2: "R9", 8: "yes"}),
	)
	sum, store := run(t, zerolog.Nop(), dia, demo)

	diags := store.Items(TypeDiagnostic)
	if len(diags) != 2 {
		t.Fatalf("diagnostics = %d, want 2", len(diags))
	}
	if attr(diags[0], "observation") != "Anxiety" || attr(diags[1], "observation") != "Depression" {
		t.Errorf("observations = %q, %q", attr(diags[0], "observation"), attr(diags[1], "observation"))
	}
	if attr(diags[0], "assessmentDate") != "01/02/16" {
		t.Errorf("assessmentDate = %q", attr(diags[0], "assessmentDate"))
	}
	if _, ok := diags[0].Reference("referral"); !ok {
		t.Error("diagnostic not linked to referral")
	}

	refs := store.Items(TypeReferral)
	if len(refs) != 1 || attr(refs[0], "ICD10diagnosis") != "F41" {
		t.Errorf("referral diagnosis not backfilled: %v", refs)
	}
	if sum.SkippedRows != 1 {
		t.Errorf("skipped rows = %d, want 1", sum.SkippedRows)
	}
}

func TestRun_StokeContactSlots(t *testing.T) {
	f := csvFile(t, "Stoke Data.csv", header(29),
		wide(29, map[int]string{
			0: "P1", 1: "R1",
			17: "01/01/16", 19: "F2F", 21: "Team A",
			23: "02/02/16", 25: "nF2F",
		}))
	_, store := run(t, zerolog.Nop(), f)

	contacts := store.Items(TypeContact)
	if len(contacts) != 2 {
		t.Fatalf("contacts = %d, want 2", len(contacts))
	}
	if attr(contacts[0], "contactDate") != "01/01/16" || attr(contacts[0], "team") != "Team A" {
		t.Errorf("first slot = %v", contacts[0].Attributes)
	}
	if attr(contacts[1], "contactType") != "NonF2F" {
		t.Errorf("second slot contactType = %q", attr(contacts[1], "contactType"))
	}
	for _, c := range contacts {
		if _, ok := c.Reference("referral"); !ok {
			t.Error("slot contact not linked to referral")
		}
	}
}

func TestRun_HertfordshireContactsByReferral(t *testing.T) {
	refs := csvFile(t, "Hertfordshire Referral.csv", header(16),
		wide(16, map[int]string{0: "P1", 1: "R1"}))
	contacts := csvFile(t, "Hertfordshire Contact.csv", header(7),
		wide(7, map[int]string{0: "R1", 1: "03/03/16"}),
		wide(7, map[int]string{0: "R1", 1: "04/03/16"}),
	)
	_, store := run(t, zerolog.Nop(), contacts, refs)

	got := store.Items(TypeContact)
	if len(got) != 2 {
		t.Fatalf("contacts = %d, want 2", len(got))
	}
	for _, c := range got {
		if _, ok := c.Reference("patient"); !ok {
			t.Error("contact patient not resolved through its referral")
		}
	}
}

type failingFile struct{ name string }

func (f failingFile) Name() string { return f.name }

func (f failingFile) Open(context.Context) (rowsource.Rows, error) {
	return failingRows{}, nil
}

type failingRows struct{}

func (failingRows) Header() []string        { return header(17) }
func (failingRows) Next() ([]string, error) { return nil, io.ErrUnexpectedEOF }
func (failingRows) Close() error            { return nil }

func TestRun_ReadErrorAborts(t *testing.T) {
	store := warehouse.NewMemory()
	_, err := NewDriver(site.Default(), store, zerolog.Nop()).
		Run(context.Background(), []rowsource.File{failingFile{name: "Portsmouth Patient.csv"}})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected read error, got %v", err)
	}
}

type rejectingStore struct{ after int }

func (s *rejectingStore) Store(_ context.Context, it *warehouse.Item) error {
	if s.after == 0 {
		return errors.New("disk full")
	}
	s.after--
	return nil
}

func TestRun_StoreErrorAborts(t *testing.T) {
	f := csvFile(t, "Portsmouth Patient.csv", header(17), wide(17, map[int]string{0: "P1", 1: "R1"}))
	_, err := NewDriver(site.Default(), &rejectingStore{after: 2}, zerolog.Nop()).
		Run(context.Background(), []rowsource.File{f})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := csvFile(t, "Portsmouth Patient.csv", header(17), wide(17, map[int]string{0: "P1", 1: "R1"}))
	_, err := NewDriver(site.Default(), warehouse.NewMemory(), zerolog.Nop()).Run(ctx, []rowsource.File{f})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
