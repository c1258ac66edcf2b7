package site

// Field is a canonical field name produced by row normalization.
type Field string

const (
	PatientID  Field = "patientId"
	ReferralID Field = "referralId"
	ContactID  Field = "contactId"

	Ethnicity   Field = "ethnicity"
	Gender      Field = "gender"
	PatientSite Field = "site"

	Age                Field = "age"
	Locality           Field = "locality"
	Diagnosis          Field = "diagnosis"
	Urgency            Field = "urgency"
	Source             Field = "source"
	Outcome            Field = "outcome"
	ReferralDate       Field = "referralDate"
	TriageDate         Field = "triageDate"
	AssessmentDate     Field = "assessmentDate"
	FirstTreatmentDate Field = "firstTreatmentDate"
	DischargeDate      Field = "dischargeDate"
	DischargeReason    Field = "dischargeReason"
	CumulativeCount    Field = "cumulativeCount"
	ReferralTeam       Field = "referralTeam"
	DiagnosisStartDate Field = "diagnosisStartDate"
	DiagnosisEndDate   Field = "diagnosisEndDate"

	Ordinal        Field = "ordinal"
	ContactDate    Field = "contactDate"
	ContactUrgency Field = "contactUrgency"
	ContactType    Field = "contactType"
	Attendance     Field = "attendance"
	ContactOutcome Field = "contactOutcome"
	Team           Field = "team"
	TeamTier       Field = "teamTier"

	ObservationDate Field = "observationDate"
	Measure         Field = "measure"
	MeasureType     Field = "measureType"
)

var knownFields = map[Field]bool{
	PatientID: true, ReferralID: true, ContactID: true,
	Ethnicity: true, Gender: true, PatientSite: true,
	Age: true, Locality: true, Diagnosis: true, Urgency: true, Source: true, Outcome: true,
	ReferralDate: true, TriageDate: true, AssessmentDate: true, FirstTreatmentDate: true,
	DischargeDate: true, DischargeReason: true, CumulativeCount: true,
	ReferralTeam: true, DiagnosisStartDate: true, DiagnosisEndDate: true,
	Ordinal: true, ContactDate: true, ContactUrgency: true, ContactType: true,
	Attendance: true, ContactOutcome: true, Team: true, TeamTier: true,
	ObservationDate: true, Measure: true, MeasureType: true,
}

// Valid reports whether f is a canonical field.
func (f Field) Valid() bool {
	return knownFields[f]
}

// IsIdentifier reports whether f holds a natural key cleaned with the
// site's identifier rules.
func (f Field) IsIdentifier() bool {
	return f == PatientID || f == ReferralID || f == ContactID
}
