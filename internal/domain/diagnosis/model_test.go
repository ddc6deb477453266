package diagnosis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medidiag/internal/platform/apiclient"
)

func ptr[T any](v T) *T { return &v }

func TestSubmission_JSON(t *testing.T) {
	sub := Submission{
		PatientID: 42,
		Symptoms:  []PresentedSymptom{{SymptomID: 7}},
		Signs:     []ObservedSign{{SignID: 3, ValueNumeric: ptr(38.5), Unit: "°C"}},
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"patient_id":42,"symptoms":[{"symptom_id":7}],"signs":[{"sign_id":3,"value_numeric":38.5,"unit":"°C"}]}`
	if string(raw) != want {
		t.Errorf("Submission JSON =\n%s\nwant\n%s", raw, want)
	}
}

func TestSubmission_EmptySymptomsStillSent(t *testing.T) {
	raw, _ := json.Marshal(Submission{PatientID: 1, Symptoms: []PresentedSymptom{}, Signs: []ObservedSign{{SignID: 1, ValueText: ptr("normal")}}})
	if !strings.Contains(string(raw), `"symptoms":[]`) {
		t.Errorf("expected empty symptoms array, got %s", raw)
	}
	if strings.Contains(string(raw), "lab_results") {
		t.Errorf("lab_results should be omitted, got %s", raw)
	}
}

func TestStatus_Badge(t *testing.T) {
	tests := map[Status]Badge{
		StatusActive:    BadgeWarning,
		StatusOngoing:   BadgeInfo,
		StatusRecovered: BadgeSuccess,
		StatusReferred:  BadgeNeutral,
		"archived":      BadgeNeutral,
	}
	for s, want := range tests {
		if got := s.Badge(); got != want {
			t.Errorf("%s.Badge() = %s, want %s", s, got, want)
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestDiagnosis_AlternativesBothShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"encoded string", `{"alternative_diseases":"[{\"disease_code\":\"D2\",\"disease_name\":\"Resfriado\",\"confidence\":40.5}]"}`, 1},
		{"array", `{"alternative_diseases":[{"disease_code":"D2","disease_name":"Resfriado","confidence":40.5}]}`, 1},
		{"structured list", `{"alternative_diagnoses":[{"disease_name":"Resfriado","confidence":40.5}]}`, 1},
		{"null", `{"alternative_diseases":null}`, 0},
		{"absent", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Diagnosis
			if err := json.Unmarshal([]byte(tt.raw), &d); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			alts, err := d.Alternatives()
			if err != nil {
				t.Fatalf("Alternatives(): %v", err)
			}
			if len(alts) != tt.want {
				t.Fatalf("got %d alternatives, want %d", len(alts), tt.want)
			}
			if tt.want == 1 && (alts[0].DiseaseName != "Resfriado" || alts[0].Confidence != 40.5) {
				t.Errorf("unexpected alternative %+v", alts[0])
			}
		})
	}
}

func TestDiagnosis_AlternativesUnparsable(t *testing.T) {
	var d Diagnosis
	_ = json.Unmarshal([]byte(`{"alternative_diseases":"sin datos"}`), &d)
	if _, err := d.Alternatives(); err == nil {
		t.Error("expected error for non-JSON string")
	}
	p, ok := d.AlternativeDiseases.Payload()
	if ok || string(p) != "sin datos" {
		t.Errorf("Payload() = %q, %v", p, ok)
	}
}

func TestDiagnosis_NormalizeLogs(t *testing.T) {
	raw := `{"id":9,"patient_id":42,"disease_code":"D1","diagnosis_date":"2025-01-02T10:30:00.123456",
		"symptoms_logs":[{"symptom_id":7}],
		"signs_logs":[{"sign_id":3,"value_numeric":38.5,"unit":"°C"}],
		"lab_results_logs":[{"lab_test_id":4,"value_text":"positivo"}],
		"status":"active","follow_up_date":null,"disease":{"code":"D1","name":"Gripe"}}`
	var d Diagnosis
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	d.Normalize()
	if len(d.Symptoms) != 1 || len(d.Signs) != 1 || len(d.LabResults) != 1 {
		t.Fatalf("logs were not folded: %+v", d)
	}
	if d.DiseaseName != "Gripe" {
		t.Errorf("DiseaseName = %q", d.DiseaseName)
	}
	if d.Signs[0].Value() != "38.5 °C" || d.LabResults[0].Value() != "positivo" {
		t.Errorf("unexpected values %q %q", d.Signs[0].Value(), d.LabResults[0].Value())
	}
	if d.DiagnosisDate.Year() != 2025 || d.DiagnosisDate.Day() != 2 {
		t.Errorf("unexpected date %v", d.DiagnosisDate)
	}
	if !d.FollowUpDate.IsZero() {
		t.Error("null follow-up date should be zero")
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{"2025-01-02", "2025-01-02T03:04:05", "2025-01-02T03:04:05Z", "2025-01-02T03:04:05.5+02:00", "2025-01-02 03:04:05"} {
		if _, err := ParseTimestamp(s); err != nil {
			t.Errorf("ParseTimestamp(%q): %v", s, err)
		}
	}
	if _, err := ParseTimestamp("ayer"); err == nil {
		t.Error("expected error for unparsable timestamp")
	}
}

func TestFollowUp_Validate(t *testing.T) {
	f := FollowUp{DiagnosisID: 1, SymptomsEvolution: "mejoría"}
	if err := f.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.PatientCondition != ConditionStable {
		t.Errorf("condition should default to stable, got %q", f.PatientCondition)
	}
	tests := []FollowUp{
		{SymptomsEvolution: "x"},
		{DiagnosisID: 1},
		{DiagnosisID: 1, SymptomsEvolution: "x", PatientCondition: "grave"},
		{DiagnosisID: 1, SymptomsEvolution: "x", NextFollowUpDate: "02/01/2025"},
	}
	for i, tt := range tests {
		if err := tt.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func newService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewService(apiclient.New(srv.URL))
}

func TestService_Create(t *testing.T) {
	var body string
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/diagnoses" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"status":"success","data":{"id":1,"patient_id":42,"disease_code":"D1","disease_name":"Gripe","confidence_score":87.5,"treatment":"Reposo","status":"active","alternative_diseases":"[]"}}`)
	})
	d, err := svc.Create(context.Background(), Submission{PatientID: 42, Signs: []ObservedSign{{SignID: 3, ValueNumeric: ptr(38.5)}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.DiseaseName != "Gripe" || d.ConfidenceScore != 87.5 {
		t.Errorf("unexpected diagnosis %+v", d)
	}
	if !strings.Contains(body, `"symptoms":[]`) {
		t.Errorf("nil symptoms should be sent as [], got %s", body)
	}
}

func TestService_CreateNoDiagnosis(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"status":"error","message":"No se pudo determinar un diagnóstico con la evidencia disponible"}`)
	})
	_, err := svc.Create(context.Background(), Submission{PatientID: 1})
	apiErr, ok := apiclient.AsError(err)
	if !ok || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 api error, got %v", err)
	}
}

func TestService_ListForPatientSorted(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/patients/42/diagnoses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":"success","data":[
			{"id":1,"diagnosis_date":"2024-01-01T00:00:00"},
			{"id":2,"diagnosis_date":"2025-03-01T00:00:00"},
			{"id":3,"diagnosis_date":"2024-06-01T00:00:00"}]}`)
	})
	ds, err := svc.ListForPatient(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds[0].ID != 2 || ds[1].ID != 3 || ds[2].ID != 1 {
		t.Errorf("unexpected order %d %d %d", ds[0].ID, ds[1].ID, ds[2].ID)
	}
}

func TestService_UpdateStatus(t *testing.T) {
	var body string
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		io.WriteString(w, `{"status":"success","message":"Diagnóstico actualizado correctamente"}`)
	})
	if err := svc.UpdateStatus(context.Background(), 9, StatusUpdate{Status: "closed"}); err == nil {
		t.Error("expected error for unknown status")
	}
	if err := svc.UpdateStatus(context.Background(), 9, StatusUpdate{Status: StatusRecovered, FollowUpDate: "2025-02-01"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != `{"status":"recovered","follow_up_date":"2025-02-01"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now()
	ds := []Diagnosis{
		{ID: 1, DiagnosisDate: Timestamp{now.Add(-time.Hour)}},
		{ID: 2, DiagnosisDate: Timestamp{now}},
	}
	SortNewestFirst(ds)
	if ds[0].ID != 2 {
		t.Errorf("expected newest first, got %d", ds[0].ID)
	}
}

func TestSubmission_LogObjectOmitsValues(t *testing.T) {
	temp := 38.9
	sub := Submission{
		PatientID: 42,
		Symptoms:  []PresentedSymptom{{SymptomID: 1}},
		Signs:     []ObservedSign{{SignID: 1, ValueNumeric: &temp, Unit: "°C"}},
		Notes:     "Inicio hace tres días",
	}
	var buf strings.Builder
	logger := zerolog.New(&buf)
	logger.Info().Object("submission", sub).Msg("")

	var line struct {
		Submission map[string]any `json:"submission"`
	}
	if err := json.Unmarshal([]byte(buf.String()), &line); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	want := map[string]any{"patient_id": float64(42), "symptoms": float64(1), "signs": float64(1), "lab_results": float64(0), "notes": true}
	for k, v := range want {
		if line.Submission[k] != v {
			t.Errorf("%s = %v, want %v", k, line.Submission[k], v)
		}
	}
	if strings.Contains(buf.String(), "38.9") || strings.Contains(buf.String(), "Inicio") {
		t.Errorf("clinical values leaked into the log: %s", buf.String())
	}
}

func TestDiagnosis_LogObject(t *testing.T) {
	var buf strings.Builder
	d := Diagnosis{ID: 7, PatientID: 42, DiseaseCode: "RESP03", ConfidenceScore: 87.5, Status: StatusActive}
	logger := zerolog.New(&buf)
	logger.Info().Object("diagnosis", d).Msg("")
	for _, want := range []string{`"id":7`, `"disease_code":"RESP03"`, `"confidence":87.5`, `"status":"active"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log line %s missing %s", buf.String(), want)
		}
	}
}
