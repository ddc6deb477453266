// Package presenter renders diagnoses as terminal text: badges, Spanish
// labels, confidence percentages and es-ES long dates.
package presenter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ehr/medidiag/internal/domain/diagnosis"
)

const notAvailable = "N/A"

var monthsES = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// FormatDate renders t as an es-ES long date, "2 de enero de 2025".
func FormatDate(t diagnosis.Timestamp) string {
	if t.IsZero() {
		return notAvailable
	}
	return longDate(t.Time)
}

// FormatDateTime renders t as "2 de enero de 2025, 14:05".
func FormatDateTime(t diagnosis.Timestamp) string {
	if t.IsZero() {
		return notAvailable
	}
	return longDate(t.Time) + ", " + t.Format("15:04")
}

func longDate(t time.Time) string {
	return fmt.Sprintf("%d de %s de %d", t.Day(), monthsES[t.Month()-1], t.Year())
}

// Percent renders a 0-100 confidence score.
func Percent(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64) + "%"
}

// ConfidenceLevel labels a confidence score: Alta from 80, Media from 60,
// Baja below.
func ConfidenceLevel(score float64) string {
	switch {
	case score >= 80:
		return "Alta (" + Percent(score) + ")"
	case score >= 60:
		return "Media (" + Percent(score) + ")"
	default:
		return "Baja (" + Percent(score) + ")"
	}
}

// StatusBadge renders the status pill, "[warning] Activo".
func StatusBadge(s diagnosis.Status) string {
	return "[" + string(s.Badge()) + "] " + s.Label()
}

// Embedded pretty-prints a JSON field. A payload that is not JSON is
// returned verbatim.
func Embedded(e diagnosis.Embedded) string {
	payload, ok := e.Payload()
	if !ok {
		return string(payload)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}

// SavedMessage is the confirmation shown after a diagnosis is created.
func SavedMessage(d *diagnosis.Diagnosis) string {
	name := d.DiseaseName
	if name == "" {
		name = d.DiseaseCode
	}
	return fmt.Sprintf("Diagnóstico registrado: %s (confianza %s)", name, Percent(d.ConfidenceScore))
}

func diseaseLabel(d *diagnosis.Diagnosis) string {
	switch {
	case d.Disease != nil && d.Disease.Name != "":
		return d.Disease.Name
	case d.DiseaseName != "":
		return d.DiseaseName
	case d.DiseaseCode != "":
		return d.DiseaseCode
	}
	return notAvailable
}

func doctorLabel(d *diagnosis.Diagnosis) string {
	if d.Doctor != nil {
		if d.Doctor.FirstName != "" {
			return "Dr. " + d.Doctor.FirstName
		}
		if d.Doctor.Username != "" {
			return "Dr. " + d.Doctor.Username
		}
	}
	if d.DoctorID != 0 {
		return "Dr. ID: " + strconv.FormatInt(d.DoctorID, 10)
	}
	return notAvailable
}

// Render writes the full read-only view of one diagnosis.
func Render(w io.Writer, d *diagnosis.Diagnosis) error {
	ew := &errWriter{w: w}
	ew.printf("Diagnóstico Completo #%d\n%s\n\n", d.ID, FormatDate(d.DiagnosisDate))

	ew.printf("Información General\n")
	tw := tabwriter.NewWriter(ew, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  Enfermedad:\t%s\n", diseaseLabel(d))
	if d.Disease != nil && d.Disease.Description != "" {
		fmt.Fprintf(tw, "  \t%s\n", d.Disease.Description)
	}
	fmt.Fprintf(tw, "  Doctor:\t%s\n", doctorLabel(d))
	fmt.Fprintf(tw, "  Estado:\t%s\n", StatusBadge(d.Status))
	fmt.Fprintf(tw, "  Nivel de confianza:\t%s\n", ConfidenceLevel(d.ConfidenceScore))
	if d.VisitID != "" {
		fmt.Fprintf(tw, "  Visita:\t%s\n", d.VisitID)
	}
	if !d.FollowUpDate.IsZero() {
		fmt.Fprintf(tw, "  Seguimiento:\t%s\n", FormatDate(d.FollowUpDate))
	}
	tw.Flush()

	alts, err := d.Alternatives()
	switch {
	case err != nil:
		ew.printf("\nDiagnósticos alternativos\n  %s\n", Embedded(d.AlternativeDiseases))
	case len(alts) > 0:
		ew.printf("\nDiagnósticos alternativos\n")
		tw = tabwriter.NewWriter(ew, 0, 4, 2, ' ', 0)
		for _, a := range alts {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", a.DiseaseCode, a.DiseaseName, Percent(a.Confidence))
		}
		tw.Flush()
	}

	ew.printf("\nInformación Clínica\n")
	renderObservations(ew, d)

	if d.Treatment != "" || !d.TreatmentStartDate.IsZero() {
		ew.printf("\nTratamiento\n")
		if d.Treatment != "" {
			ew.printf("  %s\n", d.Treatment)
		}
		if !d.TreatmentStartDate.IsZero() {
			end := "Presente"
			if !d.TreatmentEndDate.IsZero() {
				end = FormatDate(d.TreatmentEndDate)
			}
			ew.printf("  %s - %s\n", FormatDate(d.TreatmentStartDate), end)
		}
	}
	if d.Notes != "" {
		ew.printf("\nNotas\n  %s\n", d.Notes)
	}
	if !d.InferenceDetails.IsZero() {
		ew.printf("\nDetalles de inferencia\n%s\n", indent(Embedded(d.InferenceDetails), "  "))
	}
	return ew.err
}

func renderObservations(ew *errWriter, d *diagnosis.Diagnosis) {
	if len(d.Symptoms) == 0 && len(d.Signs) == 0 && len(d.LabResults) == 0 {
		ew.printf("  Sin observaciones registradas\n")
		return
	}
	tw := tabwriter.NewWriter(ew, 0, 4, 2, ' ', 0)
	if len(d.Symptoms) > 0 {
		fmt.Fprintf(tw, "  Síntomas presentados:\n")
		for _, s := range d.Symptoms {
			fmt.Fprintf(tw, "    %s\t%s\t%s\n", s.SymptomCode, nameOr(s.SymptomName, s.SymptomID), s.Note)
		}
	}
	if len(d.Signs) > 0 {
		fmt.Fprintf(tw, "  Signos observados:\n")
		for _, s := range d.Signs {
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", s.SignCode, nameOr(s.SignName, s.SignID), s.Value(), s.Note)
		}
	}
	if len(d.LabResults) > 0 {
		fmt.Fprintf(tw, "  Resultados de laboratorio:\n")
		for _, l := range d.LabResults {
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", l.LabTestCode, nameOr(l.LabTestName, l.LabTestID), l.Value(), l.Note)
		}
	}
	tw.Flush()
}

func nameOr(name string, id int64) string {
	if name != "" {
		return name
	}
	return "ID: " + strconv.FormatInt(id, 10)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// RenderHistory writes one line per diagnosis in the given order, or the
// empty-state line.
func RenderHistory(w io.Writer, ds []diagnosis.Diagnosis) error {
	if len(ds) == 0 {
		_, err := io.WriteString(w, "Sin diagnósticos registrados\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tFECHA\tENFERMEDAD\tESTADO\tCONFIANZA\n")
	for i := range ds {
		d := &ds[i]
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			d.ID, FormatDateTime(d.DiagnosisDate), diseaseLabel(d), StatusBadge(d.Status), ConfidenceLevel(d.ConfidenceScore))
	}
	return tw.Flush()
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

func (e *errWriter) printf(format string, args ...any) {
	fmt.Fprintf(e, format, args...)
}
