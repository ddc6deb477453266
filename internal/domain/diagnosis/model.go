package diagnosis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusOngoing   Status = "ongoing"
	StatusRecovered Status = "recovered"
	StatusReferred  Status = "referred"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusOngoing, StatusRecovered, StatusReferred:
		return true
	}
	return false
}

// Label is the Spanish name of the status.
func (s Status) Label() string {
	switch s {
	case StatusActive:
		return "Activo"
	case StatusOngoing:
		return "En tratamiento"
	case StatusRecovered:
		return "Recuperado"
	case StatusReferred:
		return "Referido"
	}
	return string(s)
}

// Badge tones of the status pill.
type Badge string

const (
	BadgeWarning Badge = "warning"
	BadgeInfo    Badge = "info"
	BadgeSuccess Badge = "success"
	BadgeNeutral Badge = "neutral"
)

// Badge maps the status to its badge tone. Unknown statuses are neutral.
func (s Status) Badge() Badge {
	switch s {
	case StatusActive:
		return BadgeWarning
	case StatusOngoing:
		return BadgeInfo
	case StatusRecovered:
		return BadgeSuccess
	}
	return BadgeNeutral
}

// PresentedSymptom is a symptom reported at the visit.
type PresentedSymptom struct {
	SymptomID   int64  `json:"symptom_id"`
	Note        string `json:"note,omitempty"`
	SymptomName string `json:"symptom_name,omitempty"`
	SymptomCode string `json:"symptom_code,omitempty"`
	RecordedAt  string `json:"recorded_at,omitempty"`
}

// ObservedSign carries exactly one of ValueNumeric or ValueText.
type ObservedSign struct {
	SignID       int64    `json:"sign_id"`
	ValueNumeric *float64 `json:"value_numeric,omitempty"`
	ValueText    *string  `json:"value_text,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Note         string   `json:"note,omitempty"`
	SignName     string   `json:"sign_name,omitempty"`
	SignCode     string   `json:"sign_code,omitempty"`
	RecordedAt   string   `json:"recorded_at,omitempty"`
}

// LabResult carries exactly one of ValueNumeric or ValueText.
type LabResult struct {
	LabTestID    int64    `json:"lab_test_id"`
	ValueNumeric *float64 `json:"value_numeric,omitempty"`
	ValueText    *string  `json:"value_text,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Note         string   `json:"note,omitempty"`
	LabTestName  string   `json:"lab_test_name,omitempty"`
	LabTestCode  string   `json:"lab_test_code,omitempty"`
	RecordedAt   string   `json:"recorded_at,omitempty"`
}

// Value renders the measured value and unit of a sign.
func (o ObservedSign) Value() string { return formatValue(o.ValueNumeric, o.ValueText, o.Unit) }

// Value renders the measured value and unit of a lab result.
func (r LabResult) Value() string { return formatValue(r.ValueNumeric, r.ValueText, r.Unit) }

func formatValue(num *float64, text *string, unit string) string {
	var v string
	switch {
	case num != nil:
		v = strconv.FormatFloat(*num, 'f', -1, 64)
	case text != nil:
		v = *text
	default:
		return ""
	}
	if unit != "" {
		v += " " + unit
	}
	return v
}

// Submission is the body of POST /diagnoses. Symptoms is always sent,
// possibly empty; LabResults is omitted when no lab was added.
type Submission struct {
	PatientID  int64              `json:"patient_id"`
	Symptoms   []PresentedSymptom `json:"symptoms"`
	Signs      []ObservedSign     `json:"signs"`
	LabResults []LabResult        `json:"lab_results,omitempty"`
	Notes      string             `json:"notes,omitempty"`
}

// Alternative is one runner-up disease of the inference.
type Alternative struct {
	DiseaseCode string  `json:"disease_code,omitempty"`
	DiseaseName string  `json:"disease_name"`
	Confidence  float64 `json:"confidence"`
	Score       float64 `json:"score,omitempty"`
}

// Embedded holds a JSON value the server may send either inline or
// encoded as a string.
type Embedded struct {
	Raw json.RawMessage
}

func (e *Embedded) UnmarshalJSON(b []byte) error {
	e.Raw = append(e.Raw[:0], b...)
	return nil
}

func (e Embedded) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return []byte("null"), nil
	}
	return e.Raw, nil
}

// IsZero reports whether nothing or null was sent.
func (e Embedded) IsZero() bool {
	t := bytes.TrimSpace(e.Raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Payload returns the inline JSON, unwrapping one level of string encoding.
// The second result is false when a string was sent that is not JSON; the
// raw string is returned in that case.
func (e Embedded) Payload() (json.RawMessage, bool) {
	t := bytes.TrimSpace(e.Raw)
	if len(t) == 0 || t[0] != '"' {
		return t, true
	}
	var s string
	if err := json.Unmarshal(t, &s); err != nil {
		return t, false
	}
	if !json.Valid([]byte(s)) {
		return json.RawMessage(s), false
	}
	return json.RawMessage(s), true
}

// Decode unmarshals the payload into v.
func (e Embedded) Decode(v any) error {
	p, ok := e.Payload()
	if !ok {
		return fmt.Errorf("embedded value is not JSON: %q", string(p))
	}
	return json.Unmarshal(p, v)
}

// Ref is the compact relation object attached to diagnosis rows.
type Ref struct {
	ID              json.Number `json:"id,omitempty"`
	Code            string      `json:"code,omitempty"`
	Name            string      `json:"name,omitempty"`
	Description     string      `json:"description,omitempty"`
	Username        string      `json:"username,omitempty"`
	FirstName       string      `json:"first_name,omitempty"`
	PaternalSurname string      `json:"paternal_surname,omitempty"`
}

// Diagnosis is a stored inference result. Observations arrive under
// symptoms/signs/lab_results in the detail view and under *_logs in list and
// create responses; Normalize folds both into the first set.
type Diagnosis struct {
	ID                   int64              `json:"id"`
	PatientID            int64              `json:"patient_id"`
	DoctorID             int64              `json:"doctor_id,omitempty"`
	DiseaseCode          string             `json:"disease_code"`
	DiseaseName          string             `json:"disease_name,omitempty"`
	DiagnosisDate        Timestamp          `json:"diagnosis_date"`
	VisitID              string             `json:"visit_id,omitempty"`
	Symptoms             []PresentedSymptom `json:"symptoms,omitempty"`
	Signs                []ObservedSign     `json:"signs,omitempty"`
	LabResults           []LabResult        `json:"lab_results,omitempty"`
	SymptomsLogs         []PresentedSymptom `json:"symptoms_logs,omitempty"`
	SignsLogs            []ObservedSign     `json:"signs_logs,omitempty"`
	LabResultsLogs       []LabResult        `json:"lab_results_logs,omitempty"`
	ConfidenceScore      float64            `json:"confidence_score"`
	InferenceDetails     Embedded           `json:"inference_details"`
	AlternativeDiseases  Embedded           `json:"alternative_diseases"`
	AlternativeDiagnoses []Alternative      `json:"alternative_diagnoses,omitempty"`
	Treatment            string             `json:"treatment,omitempty"`
	TreatmentStartDate   Timestamp          `json:"treatment_start_date"`
	TreatmentEndDate     Timestamp          `json:"treatment_end_date"`
	Notes                string             `json:"notes,omitempty"`
	Status               Status             `json:"status"`
	FollowUpDate         Timestamp          `json:"follow_up_date"`
	CreatedAt            Timestamp          `json:"created_at"`
	Doctor               *Ref               `json:"doctor,omitempty"`
	Disease              *Ref               `json:"disease,omitempty"`
	Patient              *Ref               `json:"patient,omitempty"`
}

// Normalize folds the *_logs arrays into the observation arrays and fills
// DiseaseName from the disease relation.
func (d *Diagnosis) Normalize() {
	if len(d.Symptoms) == 0 {
		d.Symptoms = d.SymptomsLogs
	}
	if len(d.Signs) == 0 {
		d.Signs = d.SignsLogs
	}
	if len(d.LabResults) == 0 {
		d.LabResults = d.LabResultsLogs
	}
	d.SymptomsLogs, d.SignsLogs, d.LabResultsLogs = nil, nil, nil
	if d.DiseaseName == "" && d.Disease != nil {
		d.DiseaseName = d.Disease.Name
	}
}

// Alternatives merges the structured alternative_diagnoses list with the
// alternative_diseases field, which may be an array or a JSON-encoded
// string. An undecodable string yields an error alongside whatever the
// structured list held.
func (d Diagnosis) Alternatives() ([]Alternative, error) {
	out := append([]Alternative(nil), d.AlternativeDiagnoses...)
	if d.AlternativeDiseases.IsZero() {
		return out, nil
	}
	var alts []Alternative
	if err := d.AlternativeDiseases.Decode(&alts); err != nil {
		return out, fmt.Errorf("alternative_diseases: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for _, a := range out {
		seen[a.DiseaseCode+"|"+a.DiseaseName] = true
	}
	for _, a := range alts {
		if !seen[a.DiseaseCode+"|"+a.DiseaseName] {
			out = append(out, a)
		}
	}
	return out, nil
}

// Timestamp accepts the ISO-8601 variants the API emits, with or without
// zone and fractional seconds, or a bare date. null decodes to the zero
// time.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses s with every accepted layout.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format("2006-01-02T15:04:05"))
}

// StatusUpdate is the body of PUT /diagnoses/{id}.
type StatusUpdate struct {
	Status       Status `json:"status"`
	FollowUpDate string `json:"follow_up_date,omitempty"`
}

// Patient conditions recorded at a follow-up.
const (
	ConditionStable    = "stable"
	ConditionImproving = "improving"
	ConditionWorsening = "worsening"
	ConditionCritical  = "critical"
)

// FollowUp is the body of POST /follow-ups.
type FollowUp struct {
	DiagnosisID          int64  `json:"diagnosis_id"`
	PatientCondition     string `json:"patient_condition"`
	SymptomsEvolution    string `json:"symptoms_evolution"`
	TreatmentAdjustments string `json:"treatment_adjustments,omitempty"`
	Notes                string `json:"notes,omitempty"`
	NextFollowUpDate     string `json:"next_follow_up_date,omitempty"`
}

// Validate defaults the condition to stable and checks required fields.
func (f *FollowUp) Validate() error {
	if f.DiagnosisID <= 0 {
		return fmt.Errorf("diagnosis_id es requerido")
	}
	if f.PatientCondition == "" {
		f.PatientCondition = ConditionStable
	}
	switch f.PatientCondition {
	case ConditionStable, ConditionImproving, ConditionWorsening, ConditionCritical:
	default:
		return fmt.Errorf("patient_condition: valor no permitido %q", f.PatientCondition)
	}
	if strings.TrimSpace(f.SymptomsEvolution) == "" {
		return fmt.Errorf("symptoms_evolution es requerido")
	}
	if f.NextFollowUpDate != "" {
		if _, err := time.Parse("2006-01-02", f.NextFollowUpDate); err != nil {
			return fmt.Errorf("next_follow_up_date: formato esperado AAAA-MM-DD")
		}
	}
	return nil
}

// MarshalZerologObject logs the submission's shape without clinical values.
func (s Submission) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("patient_id", s.PatientID).
		Int("symptoms", len(s.Symptoms)).
		Int("signs", len(s.Signs)).
		Int("lab_results", len(s.LabResults)).
		Bool("notes", s.Notes != "")
}

// MarshalZerologObject logs the inference outcome of a diagnosis.
func (d Diagnosis) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("id", d.ID).
		Int64("patient_id", d.PatientID).
		Str("disease_code", d.DiseaseCode).
		Float64("confidence", d.ConfidenceScore).
		Str("status", string(d.Status))
}
