package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medidiag/internal/domain/diagnosis"
	"github.com/ehr/medidiag/internal/platform/middleware"
)

// MsgNoDiagnosis is returned when no disease scores above zero.
const MsgNoDiagnosis = "No se pudo determinar un diagnóstico con la evidencia disponible"

var requiredSubmissionFields = []string{"patient_id", "symptoms", "signs"}

type diagnosisHandler struct {
	s  *Server
	st *store
}

func newDiagnosisHandler(s *Server) *diagnosisHandler {
	return &diagnosisHandler{s: s, st: s.store}
}

func (h *diagnosisHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/diagnoses", h.Create)
	api.GET("/diagnoses/:id", h.Get)
	api.PUT("/diagnoses/:id", h.Update)
	api.DELETE("/diagnoses/:id", h.Delete)
	api.GET("/patients/:id/diagnoses", h.ListForPatient)
	api.POST("/follow-ups", h.CreateFollowUp)
	api.GET("/diagnoses/:id/follow-ups", h.ListFollowUps)
}

// embedString stores v as a JSON document encoded in a JSON string, the
// shape inference_details and alternative_diseases travel in.
func embedString(v any) (diagnosis.Embedded, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return diagnosis.Embedded{}, err
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return diagnosis.Embedded{}, err
	}
	return diagnosis.Embedded{Raw: outer}, nil
}

func (h *diagnosisHandler) Create(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	for _, f := range requiredSubmissionFields {
		if _, ok := keys[f]; !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "Campo requerido: "+f)
		}
	}
	var sub diagnosis.Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}

	h.st.mu.Lock()
	defer h.st.mu.Unlock()

	p := h.st.patientByID(sub.PatientID)
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Paciente no encontrado")
	}
	if !canAccess(c, p) {
		return echo.NewHTTPError(http.StatusForbidden, "No autorizado para este paciente")
	}

	now := h.s.clock.Now().UTC()
	recorded := now.Format("2006-01-02T15:04:05")
	d := &diagnosis.Diagnosis{
		PatientID:     sub.PatientID,
		DoctorID:      currentUserID(c),
		VisitID:       uuid.NewString(),
		DiagnosisDate: diagnosis.Timestamp{Time: now},
		Notes:         sub.Notes,
		Status:        diagnosis.StatusActive,
		CreatedAt:     diagnosis.Timestamp{Time: now},
		Symptoms:      []diagnosis.PresentedSymptom{},
		Signs:         []diagnosis.ObservedSign{},
		LabResults:    []diagnosis.LabResult{},
	}
	ev := evidence{
		symptoms: make(map[int64]bool),
		signs:    make(map[int64]reading),
		labs:     make(map[int64]reading),
	}
	for _, s := range sub.Symptoms {
		ev.symptoms[s.SymptomID] = true
		log := diagnosis.PresentedSymptom{SymptomID: s.SymptomID, Note: s.Note, RecordedAt: recorded}
		if r := h.st.symptomByID(s.SymptomID); r != nil {
			log.SymptomName, log.SymptomCode = r.Name, r.Code
		}
		d.Symptoms = append(d.Symptoms, log)
	}
	for _, s := range sub.Signs {
		log := s
		log.RecordedAt = recorded
		if r := h.st.signByID(s.SignID); r != nil {
			log.SignName, log.SignCode = r.Name, r.Code
			if log.Unit == "" {
				log.Unit = r.MeasurementUnit
			}
		}
		ev.signs[s.SignID] = toReading(log.ValueNumeric, log.ValueText, log.Unit)
		d.Signs = append(d.Signs, log)
	}
	for _, l := range sub.LabResults {
		log := l
		log.RecordedAt = recorded
		if r := h.st.labByID(l.LabTestID); r != nil {
			log.LabTestName, log.LabTestCode = r.Name, r.Code
			if log.Unit == "" {
				log.Unit = r.Unit
			}
		}
		ev.labs[l.LabTestID] = toReading(log.ValueNumeric, log.ValueText, log.Unit)
		d.LabResults = append(d.LabResults, log)
	}

	result := infer(h.st.rules(), ev, now)
	if result.Primary == nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"status":  "error",
			"message": MsgNoDiagnosis,
			"data": map[string]int{
				"total_diseases_evaluated": result.Evaluated,
				"total_candidates":         0,
			},
		})
	}

	primary := result.Primary
	d.DiseaseCode = primary.DiseaseCode
	d.ConfidenceScore = primary.Confidence
	d.TreatmentStartDate = diagnosis.Timestamp{Time: now}
	d.Treatment = "No disponible"
	if dz := h.st.diseaseByCode(primary.DiseaseCode); dz != nil && dz.TreatmentRecommendations != "" {
		d.Treatment = dz.TreatmentRecommendations
	}

	if d.InferenceDetails, err = embedString(map[string]any{
		"score":                    primary.Score,
		"max_possible_score":       primary.MaxPossibleScore,
		"matched_evidence":         primary.MatchedEvidence,
		"inference_timestamp":      result.InferenceTime,
		"total_diseases_evaluated": result.Evaluated,
	}); err != nil {
		return err
	}
	alts := make([]diagnosis.Alternative, 0, len(result.Alternatives))
	for _, a := range result.Alternatives {
		alts = append(alts, diagnosis.Alternative{
			DiseaseCode: a.DiseaseCode, DiseaseName: a.DiseaseName,
			Confidence: a.Confidence, Score: a.Score,
		})
	}
	if d.AlternativeDiseases, err = embedString(alts); err != nil {
		return err
	}

	d.ID = h.st.next("diagnoses")
	h.st.diagnoses = append(h.st.diagnoses, d)

	h.s.logger.Info().
		Int64("diagnosis_id", d.ID).
		Int64("patient_id", d.PatientID).
		Str("disease_code", d.DiseaseCode).
		Float64("confidence", d.ConfidenceScore).
		Msg("diagnosis created")
	return success(c, http.StatusCreated, "Diagnóstico creado correctamente", h.asLogs(d))
}

func toReading(num *float64, text *string, unit string) reading {
	r := reading{numeric: num, unit: unit}
	if text != nil {
		r.text = strings.TrimSpace(*text)
	}
	return r
}

// withRelations attaches the doctor and disease relations of d.
func (h *diagnosisHandler) withRelations(d *diagnosis.Diagnosis) diagnosis.Diagnosis {
	out := *d
	out.DiseaseName = "Desconocida"
	for _, dz := range h.st.diseases {
		if dz.Code == d.DiseaseCode {
			out.DiseaseName = dz.Name
			out.Disease = &diagnosis.Ref{Code: dz.Code, Name: dz.Name, Description: dz.Description}
			break
		}
	}
	if u := h.st.userByID(d.DoctorID); u != nil {
		out.Doctor = &diagnosis.Ref{
			ID:              json.Number(strconv.FormatInt(u.ID, 10)),
			Username:        u.Username,
			FirstName:       u.FirstName,
			PaternalSurname: u.PaternalSurname,
		}
	}
	return out
}

// asLogs renders d the way list and create responses carry it, with the
// observations under the *_logs keys.
func (h *diagnosisHandler) asLogs(d *diagnosis.Diagnosis) diagnosis.Diagnosis {
	out := h.withRelations(d)
	out.SymptomsLogs, out.SignsLogs, out.LabResultsLogs = out.Symptoms, out.Signs, out.LabResults
	out.Symptoms, out.Signs, out.LabResults = nil, nil, nil
	return out
}

// accessible resolves the :id diagnosis and checks the caller may see its
// patient.
func (h *diagnosisHandler) accessible(c echo.Context) (*diagnosis.Diagnosis, error) {
	id, err := paramID(c)
	if err != nil {
		return nil, err
	}
	d := h.st.diagnosisByID(id)
	if d == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Diagnóstico no encontrado")
	}
	if !isAdmin(c) {
		p := h.st.patientByID(d.PatientID)
		if p == nil || !canAccess(c, p) {
			return nil, errForbidden
		}
	}
	return d, nil
}

func (h *diagnosisHandler) Get(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	d, err := h.accessible(c)
	if err != nil {
		return err
	}
	out := h.withRelations(d)
	if p := h.st.patientByID(d.PatientID); p != nil {
		out.Patient = &diagnosis.Ref{
			ID:   json.Number(strconv.FormatInt(p.ID, 10)),
			Name: joinName(p.FirstName, p.SecondName, p.PaternalSurname, p.MaternalSurname),
		}
	}
	return success(c, http.StatusOK, "", out)
}

func (h *diagnosisHandler) ListForPatient(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	p := h.st.patientByID(id)
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Paciente no encontrado")
	}
	if !canAccess(c, p) {
		return errForbidden
	}
	rows := []diagnosis.Diagnosis{}
	for _, d := range h.st.diagnoses {
		if d.PatientID == id {
			rows = append(rows, h.asLogs(d))
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].DiagnosisDate.After(rows[j].DiagnosisDate.Time)
	})
	return success(c, http.StatusOK, "", rows)
}

func (h *diagnosisHandler) Update(c echo.Context) error {
	in, err := bind[diagnosis.StatusUpdate](c)
	if err != nil {
		return err
	}
	if in.Status != "" && !in.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Estado no permitido: %s", in.Status))
	}
	var follow time.Time
	if in.FollowUpDate != "" {
		ts, err := diagnosis.ParseTimestamp(in.FollowUpDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "follow_up_date: formato esperado AAAA-MM-DD")
		}
		follow = ts.Time
	}

	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	d, err := h.accessible(c)
	if err != nil {
		return err
	}
	if in.Status != "" {
		d.Status = in.Status
		if in.Status == diagnosis.StatusRecovered && d.TreatmentEndDate.IsZero() {
			d.TreatmentEndDate = diagnosis.Timestamp{Time: h.s.clock.Now().UTC()}
		}
	}
	if !follow.IsZero() {
		d.FollowUpDate = diagnosis.Timestamp{Time: follow}
	}
	return success(c, http.StatusOK, "Diagnóstico actualizado correctamente", nil)
}

func (h *diagnosisHandler) Delete(c echo.Context) error {
	if !isAdmin(c) {
		return echo.NewHTTPError(http.StatusForbidden, "Solo administradores pueden eliminar diagnósticos")
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	for i, d := range h.st.diagnoses {
		if d.ID == id {
			h.st.diagnoses = append(h.st.diagnoses[:i], h.st.diagnoses[i+1:]...)
			return success(c, http.StatusOK, "Diagnóstico eliminado correctamente", nil)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "Diagnóstico no encontrado")
}

func (h *diagnosisHandler) CreateFollowUp(c echo.Context) error {
	in, err := bind[diagnosis.FollowUp](c)
	if err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return &middleware.FieldError{Message: err.Error()}
	}

	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	d := h.st.diagnosisByID(in.DiagnosisID)
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Diagnóstico no encontrado")
	}
	if p := h.st.patientByID(d.PatientID); p == nil || !canAccess(c, p) {
		return errForbidden
	}
	row := &followUpRow{
		ID:        h.st.next("follow_ups"),
		DoctorID:  currentUserID(c),
		CreatedAt: diagnosis.Timestamp{Time: h.s.clock.Now().UTC()},
		FollowUp:  in,
	}
	h.st.followUps = append(h.st.followUps, row)
	if in.NextFollowUpDate != "" {
		if ts, err := diagnosis.ParseTimestamp(in.NextFollowUpDate); err == nil {
			d.FollowUpDate = ts
		}
	}
	return success(c, http.StatusCreated, "Seguimiento registrado exitosamente", row)
}

func (h *diagnosisHandler) ListFollowUps(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	d, err := h.accessible(c)
	if err != nil {
		return err
	}
	rows := []*followUpRow{}
	for _, f := range h.st.followUps {
		if f.DiagnosisID == d.ID {
			rows = append(rows, f)
		}
	}
	return success(c, http.StatusOK, "", rows)
}
