package site

import (
	"github.com/ithrive/reconcile/internal/platform/cleanse"
)

const (
	cDate = cleanse.CleanDate
	cCat  = cleanse.CleanCategorical
	cAge  = cleanse.CleanAge
	cSite = cleanse.CleanSite
)

func f(col int, field Field, clean ...string) FieldSpec {
	spec := FieldSpec{Col: col, Field: field}
	if len(clean) > 0 {
		spec.Clean = clean[0]
	}
	return spec
}

func span(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for c := from; c <= to; c++ {
		out = append(out, c)
	}
	return out
}

func both(s *Schema) map[FileKind]*Schema {
	return map[FileKind]*Schema{KindPatient: s, KindReferral: s}
}

// Referral extract with the full referral block in columns 0-16.
func referralBlock(dates bool) []FieldSpec {
	d := func(col int, field Field) FieldSpec {
		if dates {
			return f(col, field, cDate)
		}
		return f(col, field)
	}
	return []FieldSpec{
		f(0, PatientID), f(1, ReferralID), f(2, Age), f(3, Locality),
		f(4, Ethnicity), f(5, Gender), f(6, Diagnosis), f(7, Urgency),
		f(8, Source), f(9, Outcome),
		d(10, ReferralDate), d(11, TriageDate), d(12, AssessmentDate),
		d(13, FirstTreatmentDate), d(14, DischargeDate),
		f(15, DischargeReason), f(16, CumulativeCount),
	}
}

func patientReferral(fields ...FieldSpec) *Schema {
	return &Schema{Fields: fields, Patient: true, Referral: ReferralUpsert}
}

// Contact extract: patient, referral, activity id, ordinal, date, urgency,
// type, attendance, team, tier.
func standardContacts() *Schema {
	return &Schema{
		Fields: []FieldSpec{
			f(0, PatientID), f(1, ReferralID), f(2, ContactID), f(3, Ordinal),
			f(4, ContactDate), f(5, ContactUrgency), f(6, ContactType, cCat),
			f(7, Attendance), f(8, Team), f(9, TeamTier),
		},
		Contact:        ContactKeyed,
		RequirePatient: true,
	}
}

// Builtin returns the site definitions known to the engine, in resolution
// priority order.
func Builtin() []*Site {
	return []*Site{
		bexley(), bradford(), cambridge(), camden(), hertfordshire(),
		lewisham(), luton(), manchester(), neneCorby(), norfolk(),
		portsmouth(), southampton(), stockport(), stoke(), sunderland(),
		walthamForest(), warrington(), worcester(),
	}
}

// Default returns a registry over the builtin sites.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic("site: invalid builtin site table: " + err.Error())
	}
	return r
}

func bexley() *Site {
	return &Site{
		Name: "Bexley", Fragments: []string{"Bexley"}, Class: Accelerator,
		SingleFile: true, Flush: FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindCombined: {
				Fields: []FieldSpec{
					f(0, PatientID), f(2, Ethnicity), f(3, Gender), f(5, Urgency),
					f(6, ReferralID), f(10, ReferralDate), f(11, DischargeDate),
					f(12, FirstTreatmentDate), f(14, Locality), f(20, Diagnosis),
				},
				Observations: []ObservationSpec{
					{Class: AdditionalData, Cols: []int{4, 7, 8, 29, 30, 31, 32, 33}},
					{Class: CumulativeContactData, Cols: []int{9, 13, 15, 16, 17, 18}},
					{Class: Diagnostic, Cols: []int{21, 24, 25, 26, 27, 28}},
				},
				Patient:  true,
				Referral: ReferralUpsert,
			},
		},
	}
}

func bradford() *Site {
	return &Site{
		Name: "Bradford", Fragments: []string{"Bradford"}, Class: Control,
		Kinds:       []KindRule{{Fragment: "Patient", Kind: KindPatient}},
		DefaultKind: KindContact,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindPatient: patientReferral(
				f(0, PatientID), f(1, ReferralID), f(2, Gender), f(3, Age),
				f(4, Ethnicity), f(5, Locality),
			),
			// The contact extract repeats the referral dates and outcome
			// the patient extract leaves out.
			KindContact: {
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(2, ReferralDate),
					f(3, AssessmentDate), f(4, FirstTreatmentDate), f(5, DischargeDate),
					f(6, Source), f(7, Urgency), f(8, ReferralTeam),
					f(9, DischargeReason), f(10, Outcome), f(11, CumulativeCount),
					f(12, ContactDate), f(13, ContactOutcome), f(14, ContactType),
				},
				Referral: ReferralUpsert,
				Contact:  ContactAppend,
			},
		},
	}
}

func cambridge() *Site {
	return &Site{
		Name: "Cambridge and Peterborough", Fragments: []string{"Cambridge", "campet"},
		Class: Accelerator,
		Kinds: []KindRule{
			{Fragment: "PatLevDia", Kind: KindDiagnosis},
			{Fragment: "PatLevCon", Kind: KindContact},
		},
		DefaultKind: KindPatient,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindPatient: patientReferral(
				f(1, PatientID), f(2, ReferralID), f(3, Age), f(4, Ethnicity), f(5, Gender),
			),
			KindContact: {
				Fields: []FieldSpec{
					f(1, PatientID), f(2, ReferralID), f(3, Urgency), f(4, Source),
					f(5, Outcome), f(6, DischargeReason), f(7, ReferralDate),
					f(8, AssessmentDate), f(9, FirstTreatmentDate), f(10, DischargeDate),
					f(12, CumulativeCount), f(13, ContactDate), f(14, ContactType),
					f(15, ContactOutcome), f(16, Team),
				},
				Referral:       ReferralBackfill,
				Contact:        ContactKeyed,
				RequirePatient: true,
			},
			KindDiagnosis: {
				Fields: []FieldSpec{
					f(1, PatientID), f(2, ReferralID), f(3, ReferralTeam),
					f(4, DiagnosisStartDate), f(5, DiagnosisEndDate), f(6, Diagnosis),
					f(7, AssessmentDate), f(7, ObservationDate),
				},
				Observations: []ObservationSpec{
					{Class: Diagnostic, From: 8, Present: "yes"},
				},
				Referral:       ReferralBackfill,
				RequirePatient: true,
			},
		},
	}
}

func camden() *Site {
	return &Site{
		Name: "Camden", Fragments: []string{"Camden"}, Class: Accelerator,
		SingleFile: true, Flush: FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindCombined: {
				Fields: []FieldSpec{
					f(0, ReferralID), f(1, PatientID), f(2, Age, cAge), f(3, Ethnicity),
					f(4, Gender), f(5, Diagnosis), f(6, Urgency), f(7, Source),
					f(8, Outcome), f(8, ContactOutcome), f(9, ReferralDate),
					f(11, TriageDate), f(19, FirstTreatmentDate), f(20, DischargeDate),
					f(21, DischargeReason), f(23, CumulativeCount),
				},
				Observations: []ObservationSpec{
					{Class: AdditionalData, Cols: append(span(12, 18), 22)},
				},
				Contacts: &Group{
					Start: 24, Stride: 4,
					Fields: []GroupField{
						{Offset: 0, Field: ContactDate},
						{Offset: 1, Field: Team},
						{Offset: 2, Field: ContactType, Clean: cCat},
						{Offset: 3, Field: Attendance},
					},
				},
				Patient:  true,
				Referral: ReferralUpsert,
			},
		},
	}
}

func hertfordshire() *Site {
	return &Site{
		Name: "Hertfordshire", Fragments: []string{"Hertfordshire"}, Class: Accelerator,
		Flush: FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindReferral: patientReferral(
				f(0, PatientID), f(1, ReferralID), f(2, Age), f(3, Locality),
				f(4, Ethnicity), f(5, Gender), f(6, Urgency), f(7, Source),
				f(8, Outcome), f(9, ReferralDate), f(10, TriageDate),
				f(11, AssessmentDate), f(12, FirstTreatmentDate), f(13, DischargeDate),
				f(14, DischargeReason), f(15, CumulativeCount),
			),
			// Contacts carry the referral id only; the patient comes from
			// the referral extract.
			KindContact: {
				Key: ReferralID,
				Fields: []FieldSpec{
					f(0, ReferralID), f(1, ContactDate), f(2, ContactUrgency),
					f(3, ContactType, cCat), f(4, Attendance), f(5, Team), f(6, TeamTier),
				},
				Contact: ContactAppend,
			},
			KindDiagnosis: {
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(2, ObservationDate),
				},
				Observations: []ObservationSpec{
					{Class: Diagnostic, Cols: []int{3, 4, 5}},
				},
			},
			KindOutcome: {
				Fields: []FieldSpec{f(0, PatientID), f(1, ReferralID)},
				Outcome: []AttrSpec{
					{Col: 2, Name: "ratingDate"}, {Col: 3, Name: "rawScore"},
					{Col: 4, Name: "assName"}, {Col: 5, Name: "snomed"},
					{Col: 6, Name: "scale"}, {Col: 7, Name: "ageAtAssessment"},
					{Col: 8, Name: "grade"}, {Col: 10, Name: "score"},
					{Col: 11, Name: "note"}, {Col: 12, Name: "fiscalYear"},
					{Col: 13, Name: "firstOrLast"},
				},
				// Rated patients missing from the referral extract are
				// still recorded, with their identifier only.
				Patient: true,
			},
		},
	}
}

func lewisham() *Site {
	return &Site{
		Name: "Lewisham", Fragments: []string{"Lewisham"}, Class: Control,
		Kinds:       []KindRule{{Fragment: "Patient", Kind: KindPatient}},
		DefaultKind: KindOutcome,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindPatient: {
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(2, Ethnicity), f(3, Gender),
					f(4, Diagnosis), f(5, Age), f(6, ReferralDate, cDate),
					f(10, DischargeDate, cDate), f(11, Source), f(12, Urgency),
					f(13, Locality), f(15, Outcome), f(15, ContactOutcome),
					f(18, CumulativeCount), f(19, ContactDate),
					{Col: 20, Join: []int{21}, Sep: "-", Field: Attendance},
					f(22, ContactType, cCat),
				},
				Observations: []ObservationSpec{
					{Class: AdditionalData, Cols: []int{6, 7, 8, 9, 14, 16, 17}},
				},
				Patient:  true,
				Referral: ReferralUpsert,
				Contact:  ContactAppend,
			},
			KindOutcome: {
				Fields: []FieldSpec{f(0, PatientID), f(1, ReferralID)},
				Outcome: []AttrSpec{
					{Col: 2, Name: "episodeId"}, {Col: 3, Name: "ratingDate"},
					{Col: 4, Name: "cgasScore"}, {Col: 5, Name: "ratingType"},
				},
				Patient: true,
			},
		},
	}
}

func luton() *Site {
	return &Site{
		Name: "Luton and Tower Hamlet", Fragments: []string{"Luton"}, Class: Accelerator,
		SingleFile: true, Flush: FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindCombined: {
				Fields: []FieldSpec{
					f(0, PatientID), f(0, PatientSite, cSite), f(1, ReferralID),
					f(2, Ethnicity), f(3, Gender), f(4, Diagnosis), f(5, Urgency),
					f(5, ContactUrgency), f(6, Source), f(7, Outcome), f(7, ContactOutcome),
					f(8, ReferralDate), f(9, AssessmentDate, cDate),
					f(10, FirstTreatmentDate, cDate), f(11, DischargeDate, cDate),
					f(12, DischargeReason), f(13, CumulativeCount),
					f(14, ContactDate, cDate), f(15, ContactType, cCat),
					f(16, Attendance), f(17, Team), f(18, TeamTier),
				},
				Patient:  true,
				Referral: ReferralUpsert,
				Contact:  ContactAppend,
			},
		},
	}
}

func manchester() *Site {
	return &Site{
		Name: "Manchester and Salford", Fragments: []string{"Manchester"}, Class: Accelerator,
		DefaultKind: KindContact,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			// Ages live in the patient extract and are carried onto the
			// referrals read afterwards.
			KindPatient: {
				Fields: []FieldSpec{
					f(1, PatientID), f(2, Age, cAge), f(3, Gender), f(4, Ethnicity),
				},
				Patient: true,
			},
			KindReferral: {
				Fields: []FieldSpec{
					f(1, Locality), f(2, PatientID), f(3, ReferralID), f(4, ReferralDate),
					f(5, AssessmentDate), f(6, FirstTreatmentDate), f(7, DischargeReason),
					f(8, DischargeDate), f(9, Urgency), f(10, Outcome), f(11, Source),
					f(12, Diagnosis),
				},
				// Some sheets swap the patient and locality columns.
				Variants: []Variant{{
					When:   Match{Col: 2, Contains: []string{"Man", "Sal"}},
					Fields: []FieldSpec{f(1, PatientID), f(2, Locality)},
				}},
				Referral: ReferralUpsert,
			},
			KindContact: {
				Fields: []FieldSpec{
					f(0, Team), f(1, ContactDate), f(2, Attendance), f(3, ContactType, cCat),
					f(4, ContactUrgency), f(5, PatientID), f(6, ReferralID), f(6, ContactID),
				},
				Contact: ContactAppend,
			},
		},
	}
}

func neneCorby() *Site {
	return &Site{
		Name: "Nene and Corby", Fragments: []string{"NeCor"}, Class: Control,
		Flush: FlushPerFile,
		Schemas: func() map[FileKind]*Schema {
			m := both(patientReferral(
				f(0, PatientID), f(1, ReferralID), f(2, Age), f(3, Locality),
				f(4, Ethnicity), f(5, Gender), f(6, Diagnosis), f(7, Urgency),
				f(8, Source), f(9, Outcome), f(11, ReferralDate, cDate),
				f(12, TriageDate, cDate), f(12, AssessmentDate),
				f(13, FirstTreatmentDate, cDate), f(15, DischargeDate, cDate),
			))
			m[KindContact] = &Schema{
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(3, ContactDate, cDate),
					f(4, ContactType, cCat), f(5, Team),
				},
				Contact:        ContactKeyed,
				RequirePatient: true,
			}
			return m
		}(),
	}
}

func norfolk() *Site {
	return &Site{
		Name: "Norfolk", Fragments: []string{"Norfolk"}, Class: Control,
		SingleFile: true, Flush: FlushPerFile,
		AllowedLocalities: []string{"Norfolk", "Suffolk"},
		Schemas: map[FileKind]*Schema{
			KindCombined: {
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(2, Ethnicity), f(3, Gender),
					f(4, Diagnosis), f(5, Outcome), f(5, ContactOutcome), f(6, Age),
					f(7, Locality, cSite), f(7, PatientSite, cSite), f(8, ReferralDate),
					f(9, TriageDate), f(10, AssessmentDate), f(11, FirstTreatmentDate),
					f(12, DischargeDate), f(13, Source), f(14, Urgency), f(15, Team),
					f(16, TeamTier), f(17, DischargeReason), f(19, CumulativeCount),
					f(20, ContactDate), f(21, Attendance), f(22, ContactType, cCat),
					f(23, ContactUrgency),
				},
				Patient:  true,
				Referral: ReferralUpsert,
				Contact:  ContactAppend,
			},
		},
	}
}

func portsmouth() *Site {
	m := both(patientReferral(referralBlock(true)...))
	m[KindContact] = standardContacts()
	return &Site{
		Name: "Portsmouth", Fragments: []string{"Portsmouth"}, Class: Control,
		Flush: FlushPerFile, Schemas: m,
	}
}

func southampton() *Site {
	fields := referralBlock(false)
	for i := range fields {
		switch fields[i].Field {
		case ReferralDate, FirstTreatmentDate, DischargeDate:
			fields[i].Clean = cDate
		}
	}
	m := both(patientReferral(fields...))
	m[KindContact] = standardContacts()
	return &Site{
		Name: "Southampton", Fragments: []string{"Southampton"}, Class: Control,
		Flush: FlushPerFile, Schemas: m,
	}
}

func stockport() *Site {
	m := both(patientReferral(walthamReferrals()...))
	m[KindContact] = &Schema{
		Fields: []FieldSpec{
			f(0, PatientID), f(1, ReferralID), f(2, ContactID), f(3, ContactDate),
			f(4, ContactUrgency), f(5, Attendance), f(6, ContactType, cCat), f(7, Team),
		},
		Contact:        ContactKeyed,
		RequirePatient: true,
	}
	return &Site{
		Name: "Stockport", Fragments: []string{"Stockport"}, Class: Accelerator,
		Flush: FlushPerFile, Schemas: m,
	}
}

func stoke() *Site {
	return &Site{
		Name: "Stoke on Trent", Fragments: []string{"Stoke"}, Class: Control,
		SingleFile: true, Flush: FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindCombined: {
				Fields: referralBlock(false),
				Contacts: &Group{
					Start: 17, Stride: 6, End: 317,
					Fields: []GroupField{
						{Offset: 0, Field: ContactDate},
						{Offset: 1, Field: ContactUrgency},
						{Offset: 2, Field: ContactType, Clean: cCat},
						{Offset: 3, Field: Attendance},
						{Offset: 4, Field: Team},
						{Offset: 5, Field: TeamTier},
					},
				},
				Patient:  true,
				Referral: ReferralUpsert,
			},
		},
	}
}

func sunderland() *Site {
	return &Site{
		Name: "Sunderland", Fragments: []string{"Sunderland"}, Class: Control,
		Kinds:       []KindRule{{Fragment: "Data", Kind: KindPatient}},
		DefaultKind: KindOutcome,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindPatient: patientReferral(
				f(0, PatientID), f(1, ReferralID), f(2, Age), f(3, Locality),
				f(4, Ethnicity), f(5, Gender), f(6, Diagnosis), f(7, Urgency),
				f(8, Source), f(9, Outcome), f(10, ReferralDate), f(11, TriageDate),
				f(12, AssessmentDate), f(13, DischargeDate), f(14, DischargeReason),
				f(15, CumulativeCount),
			),
			// Each score is a date column followed by its value.
			KindOutcome: {
				Fields: []FieldSpec{
					f(0, PatientID), f(1, ReferralID), f(4, Measure), f(5, MeasureType),
				},
				Observations: []ObservationSpec{
					{Class: Diagnostic, Cols: []int{6, 8, 10, 12, 14}, Dated: true, ValueOffset: 1},
				},
			},
		},
	}
}

func walthamReferrals() []FieldSpec {
	fields := referralBlock(false)
	for i := range fields {
		switch fields[i].Field {
		case TriageDate, AssessmentDate, FirstTreatmentDate, DischargeDate:
			fields[i].Clean = cDate
		}
	}
	return fields
}

func walthamForest() *Site {
	patient := patientReferral(append(walthamReferrals(),
		f(9, ContactOutcome), f(17, ContactDate), f(18, ContactUrgency),
		f(19, ContactType, cCat), f(20, Attendance), f(21, Team), f(22, TeamTier),
		f(23, Ordinal),
	)...)
	patient.Contact = ContactKeyed
	m := both(patient)
	// The outcome extract names each score in the header and carries its
	// value one column to the right.
	m[KindOutcome] = &Schema{
		Fields: []FieldSpec{f(1, PatientID), f(3, ReferralID), f(4, ReferralTeam)},
		Observations: []ObservationSpec{
			{Class: Diagnostic, Cols: []int{6, 7, 8}, ValueOffset: 1},
		},
		Referral:       ReferralBackfill,
		RequirePatient: true,
	}
	return &Site{
		Name: "Waltham Forest", Fragments: []string{"Waltham"}, Class: Accelerator,
		Flush: FlushPerSite, Schemas: m,
	}
}

func warrington() *Site {
	return &Site{
		Name: "Warrington", Fragments: []string{"Warrington"}, Class: Accelerator,
		Kinds:       []KindRule{{Fragment: "Patient", Kind: KindPatient}},
		DefaultKind: KindContact,
		Flush:       FlushPerFile,
		Schemas: map[FileKind]*Schema{
			KindPatient: {
				Fields: []FieldSpec{f(1, PatientID), f(2, Ethnicity), f(3, Gender)},
				Observations: []ObservationSpec{
					{Class: AdditionalData, Cols: span(4, 7)},
				},
				Patient: true,
			},
			KindContact: {
				Fields: []FieldSpec{
					f(1, PatientID), f(2, Age), f(3, ReferralID), f(4, Outcome),
				},
				Observations: []ObservationSpec{
					{Class: CumulativeContactData, Cols: span(5, 14)},
				},
				Referral: ReferralUpsert,
			},
		},
	}
}

func worcester() *Site {
	m := both(patientReferral(
		f(0, ReferralID), f(1, PatientID), f(2, Gender), f(3, Ethnicity), f(4, Age),
		f(5, ReferralDate), f(6, Source), f(7, Urgency), f(8, FirstTreatmentDate),
		f(15, DischargeDate), f(17, Locality), f(18, DischargeReason),
	))
	m[KindContact] = &Schema{
		Key: ReferralID,
		Fields: []FieldSpec{
			f(0, ReferralID), f(2, ContactID), f(3, ContactDate), f(4, Ordinal),
			f(5, ContactType, cCat), f(6, Attendance), f(7, Team),
		},
		Contact:        ContactKeyed,
		RequirePatient: true,
	}
	return &Site{
		Name: "Worcester", Fragments: []string{"Worcester"}, Class: Control,
		Flush: FlushPerFile, Schemas: m,
	}
}
