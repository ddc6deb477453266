package presenter

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/medidiag/internal/domain/diagnosis"
)

func ts(s string) diagnosis.Timestamp {
	t, err := diagnosis.ParseTimestamp(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFormatDate(t *testing.T) {
	tests := []struct {
		in   diagnosis.Timestamp
		want string
	}{
		{ts("2025-01-02"), "2 de enero de 2025"},
		{ts("2024-12-31T23:10:00"), "31 de diciembre de 2024"},
		{ts("2025-09-15 08:00:00"), "15 de septiembre de 2025"},
		{diagnosis.Timestamp{}, "N/A"},
	}
	for _, tt := range tests {
		if got := FormatDate(tt.in); got != tt.want {
			t.Errorf("FormatDate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatDateTime(ts("2025-03-04T14:05:00")); got != "4 de marzo de 2025, 14:05" {
		t.Errorf("FormatDateTime = %q", got)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{85, "Alta (85%)"},
		{80, "Alta (80%)"},
		{72.5, "Media (72.5%)"},
		{12.34, "Baja (12.34%)"},
	}
	for _, tt := range tests {
		if got := ConfidenceLevel(tt.score); got != tt.want {
			t.Errorf("ConfidenceLevel(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestStatusBadge(t *testing.T) {
	tests := map[diagnosis.Status]string{
		diagnosis.StatusActive:    "[warning] Activo",
		diagnosis.StatusOngoing:   "[info] En tratamiento",
		diagnosis.StatusRecovered: "[success] Recuperado",
		diagnosis.StatusReferred:  "[neutral] Referido",
	}
	for s, want := range tests {
		if got := StatusBadge(s); got != want {
			t.Errorf("StatusBadge(%s) = %q, want %q", s, got, want)
		}
	}
}

func TestEmbedded(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"inline", `{"a":1}`, "{\n  \"a\": 1\n}"},
		{"string encoded", `"{\"a\":1}"`, "{\n  \"a\": 1\n}"},
		{"not json", `"regla R12 aplicada"`, "regla R12 aplicada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e diagnosis.Embedded
			if err := json.Unmarshal([]byte(tt.raw), &e); err != nil {
				t.Fatal(err)
			}
			if got := Embedded(e); got != tt.want {
				t.Errorf("Embedded = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	raw := `{
		"id": 900, "patient_id": 42, "doctor_id": 5,
		"disease_code": "RESP01", "disease_name": "Gripe",
		"diagnosis_date": "2025-01-02T10:30:00",
		"confidence_score": 85,
		"status": "active",
		"symptoms_logs": [{"symptom_id": 7, "symptom_name": "Fiebre", "symptom_code": "S007"}],
		"signs_logs": [{"sign_id": 3, "sign_name": "Temperatura", "value_numeric": 38.5, "unit": "°C"}],
		"alternative_diseases": "[{\"disease_code\":\"RESP02\",\"disease_name\":\"Resfriado\",\"confidence\":52}]",
		"inference_details": "{\"rules\":[\"R1\"]}",
		"doctor": {"first_name": "Laura"}
	}`
	var d diagnosis.Diagnosis
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	d.Normalize()

	var buf bytes.Buffer
	if err := Render(&buf, &d); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"Diagnóstico Completo #900",
		"2 de enero de 2025",
		"Gripe",
		"Dr. Laura",
		"[warning] Activo",
		"Alta (85%)",
		"RESP02",
		"52%",
		"Fiebre",
		"38.5 °C",
		`"rules": [`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRender_UnparsableAlternativesShownRaw(t *testing.T) {
	var d diagnosis.Diagnosis
	json.Unmarshal([]byte(`{"id":1,"status":"referred","alternative_diseases":"ver informe adjunto"}`), &d)

	var buf bytes.Buffer
	if err := Render(&buf, &d); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "ver informe adjunto") {
		t.Errorf("expected raw alternatives, got:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "Sin observaciones registradas") {
		t.Errorf("expected empty observations line, got:\n%s", buf.String())
	}
}

func TestRenderHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderHistory(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "Sin diagnósticos registrados\n" {
		t.Errorf("empty state = %q", buf.String())
	}

	buf.Reset()
	ds := []diagnosis.Diagnosis{
		{ID: 2, DiseaseName: "Gripe", DiagnosisDate: diagnosis.Timestamp{Time: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)}, Status: diagnosis.StatusRecovered, ConfidenceScore: 90},
		{ID: 1, DiseaseCode: "D9", Status: diagnosis.StatusActive, ConfidenceScore: 40},
	}
	if err := RenderHistory(&buf, ds); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "1 de febrero de 2025, 09:00") || !strings.Contains(lines[1], "Alta (90%)") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "D9") || !strings.Contains(lines[2], "Baja (40%)") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestSavedMessage(t *testing.T) {
	d := &diagnosis.Diagnosis{DiseaseName: "Gripe", ConfidenceScore: 85}
	if got := SavedMessage(d); got != "Diagnóstico registrado: Gripe (confianza 85%)" {
		t.Errorf("SavedMessage = %q", got)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestRender_PropagatesWriteError(t *testing.T) {
	if err := Render(failingWriter{}, &diagnosis.Diagnosis{}); err == nil {
		t.Error("expected write error")
	}
}
