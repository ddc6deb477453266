package devserver

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/identity"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/pkg/pagination"
)

type catalogHandler struct {
	s  *Server
	st *store
}

func newCatalogHandler(s *Server) *catalogHandler {
	return &catalogHandler{s: s, st: s.store}
}

func (h *catalogHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/symptoms", h.ListSymptoms)
	api.GET("/symptoms/:id", h.GetSymptom)
	api.POST("/symptoms", h.CreateSymptom)
	api.PUT("/symptoms/:id", h.UpdateSymptom)
	api.DELETE("/symptoms/:id", h.DeleteSymptom)

	api.GET("/signs", h.ListSigns)
	api.GET("/signs/:id", h.GetSign)
	api.POST("/signs", h.CreateSign)
	api.PUT("/signs/:id", h.UpdateSign)
	api.DELETE("/signs/:id", h.DeleteSign)

	api.GET("/lab-tests", h.ListLabTests)
	api.GET("/lab-tests/:id", h.GetLabTest)
	api.POST("/lab-tests", h.CreateLabTest)
	api.PUT("/lab-tests/:id", h.UpdateLabTest)
	api.DELETE("/lab-tests/:id", h.DeleteLabTest)

	api.GET("/postmortem-tests", h.ListPostmortemTests)
	api.GET("/postmortem-tests/:code", h.GetPostmortemTest)
	api.POST("/postmortem-tests", h.CreatePostmortemTest)
	api.PUT("/postmortem-tests/:code", h.UpdatePostmortemTest)
	api.DELETE("/postmortem-tests/:code", h.DeletePostmortemTest)

	api.GET("/diseases/categories", h.DiseaseCategories)
	api.GET("/diseases", h.ListDiseases)
	api.GET("/diseases/:code", h.GetDisease)
	adminDiseases := api.Group("/diseases", requireAdmin)
	adminDiseases.POST("", h.CreateDisease)
	adminDiseases.PUT("/:code", h.UpdateDisease)
	adminDiseases.DELETE("/:code", h.DeleteDisease)

	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.POST("/patients", h.CreatePatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)

	users := api.Group("/users", requireAdmin)
	users.GET("", h.ListUsers)
	users.GET("/:id", h.GetUser)
	users.PUT("/:id", h.UpdateUser)
	users.DELETE("/:id", h.DeleteUser)
}

// page writes one page of rows with its pagination block.
func page[T any](c echo.Context, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	p := pagination.FromContext(c)
	meta := pagination.NewMeta(len(rows), p)
	return c.JSON(http.StatusOK, apiclient.Envelope[[]T]{
		Status:     "success",
		Data:       pagination.Slice(rows, p.Page, p.PageSize),
		Pagination: &meta,
	})
}

// matches applies the query filters present on the request. Each filter
// param maps to the field it searches; matching is a substring test that
// ignores case and accents.
func matches(c echo.Context, fields map[string]string) bool {
	for param, field := range fields {
		q := strings.TrimSpace(c.QueryParam(param))
		if q == "" {
			continue
		}
		if !catalog.ContainsFold(field, q) {
			return false
		}
	}
	return true
}

func paramID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "Identificador inválido")
	}
	return id, nil
}

func bind[T any](c echo.Context) (T, error) {
	var v T
	if err := c.Bind(&v); err != nil {
		return v, echo.NewHTTPError(http.StatusBadRequest, "Cuerpo de la solicitud inválido")
	}
	return v, nil
}

func validate(v catalog.Validator) error {
	if err := v.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func setIf(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// -- Symptoms --

func (h *catalogHandler) ListSymptoms(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.Symptom
	for _, r := range h.st.symptoms {
		if r.IsActive && matches(c, map[string]string{"nombre": r.Name, "categoria": r.Category, "codigo": r.Code}) {
			rows = append(rows, *r)
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) GetSymptom(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	r := h.st.symptomByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Síntoma no encontrado")
	}
	return success(c, http.StatusOK, "", r)
}

func (h *catalogHandler) CreateSymptom(c echo.Context) error {
	in, err := bind[catalog.SymptomInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	id := h.st.next("symptoms")
	r := &catalog.Symptom{ID: id, Code: fmt.Sprintf("S%03d", id), Name: in.Name, Description: in.Description, Category: in.Category, IsActive: true}
	h.st.symptoms = append(h.st.symptoms, r)
	return success(c, http.StatusCreated, "Síntoma creado correctamente", r)
}

func (h *catalogHandler) UpdateSymptom(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	in, err := bind[catalog.SymptomInput](c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.symptomByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Síntoma no encontrado")
	}
	setIf(&r.Name, in.Name)
	setIf(&r.Description, in.Description)
	setIf(&r.Category, in.Category)
	return success(c, http.StatusOK, "Síntoma actualizado correctamente", r)
}

func (h *catalogHandler) DeleteSymptom(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.symptomByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Síntoma no encontrado")
	}
	r.IsActive = false
	return success(c, http.StatusOK, "Síntoma eliminado correctamente", nil)
}

// -- Signs --

func (h *catalogHandler) ListSigns(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.Sign
	for _, r := range h.st.signs {
		if r.IsActive && matches(c, map[string]string{"nombre": r.Name, "categoria": r.Category, "codigo": r.Code}) {
			rows = append(rows, *r)
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) GetSign(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	r := h.st.signByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Signo no encontrado")
	}
	return success(c, http.StatusOK, "", r)
}

func (h *catalogHandler) CreateSign(c echo.Context) error {
	in, err := bind[catalog.SignInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	id := h.st.next("signs")
	r := &catalog.Sign{
		ID: id, Code: fmt.Sprintf("SG%03d", id), Name: in.Name, Description: in.Description, Category: in.Category,
		MeasurementUnit: in.MeasurementUnit, NormalRange: in.NormalRange, IsActive: true,
	}
	h.st.signs = append(h.st.signs, r)
	return success(c, http.StatusCreated, "Signo creado correctamente", r)
}

func (h *catalogHandler) UpdateSign(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	in, err := bind[catalog.SignInput](c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.signByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Signo no encontrado")
	}
	setIf(&r.Name, in.Name)
	setIf(&r.Description, in.Description)
	setIf(&r.Category, in.Category)
	setIf(&r.MeasurementUnit, in.MeasurementUnit)
	setIf(&r.NormalRange, in.NormalRange)
	return success(c, http.StatusOK, "Signo actualizado correctamente", r)
}

func (h *catalogHandler) DeleteSign(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.signByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Signo no encontrado")
	}
	r.IsActive = false
	return success(c, http.StatusOK, "Signo eliminado correctamente", nil)
}

// -- Lab tests --

func (h *catalogHandler) ListLabTests(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.LabTest
	for _, r := range h.st.labs {
		if r.IsActive && matches(c, map[string]string{"nombre": r.Name, "categoria": r.Category, "codigo": r.Code}) {
			rows = append(rows, *r)
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) GetLabTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	r := h.st.labByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba de laboratorio no encontrada")
	}
	return success(c, http.StatusOK, "", r)
}

func (h *catalogHandler) CreateLabTest(c echo.Context) error {
	in, err := bind[catalog.LabTestInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	id := h.st.next("lab_tests")
	r := &catalog.LabTest{
		ID: id, Code: fmt.Sprintf("LAB%03d", id), Name: in.Name, Description: in.Description, Category: in.Category,
		Unit: in.Unit, NormalRange: in.NormalRange, IsActive: true,
	}
	h.st.labs = append(h.st.labs, r)
	return success(c, http.StatusCreated, "Prueba de laboratorio creada exitosamente", r)
}

func (h *catalogHandler) UpdateLabTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	in, err := bind[catalog.LabTestInput](c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.labByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba de laboratorio no encontrada")
	}
	setIf(&r.Name, in.Name)
	setIf(&r.Description, in.Description)
	setIf(&r.Category, in.Category)
	setIf(&r.Unit, in.Unit)
	setIf(&r.NormalRange, in.NormalRange)
	return success(c, http.StatusOK, "Prueba de laboratorio actualizada exitosamente", r)
}

func (h *catalogHandler) DeleteLabTest(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.st.labByID(id)
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba de laboratorio no encontrada")
	}
	r.IsActive = false
	return success(c, http.StatusOK, "Prueba de laboratorio eliminada exitosamente", nil)
}

// -- Postmortem tests --

func (h *catalogHandler) postmortemByCode(code string) *catalog.PostmortemTest {
	for _, r := range h.st.postmortem {
		if r.IsActive && strings.EqualFold(r.Code, code) {
			return r
		}
	}
	return nil
}

func (h *catalogHandler) ListPostmortemTests(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.PostmortemTest
	for _, r := range h.st.postmortem {
		if r.IsActive && matches(c, map[string]string{
			"nombre":       r.DeathCause,
			"categoria":    r.DiseaseDiagnosis,
			"codigo":       r.Code,
			"disease":      r.DiseaseDiagnosis,
			"autopsy_date": r.AutopsyDate,
		}) {
			rows = append(rows, *r)
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) GetPostmortemTest(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	r := h.postmortemByCode(c.Param("code"))
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba post-mortem no encontrada")
	}
	return success(c, http.StatusOK, "", r)
}

func (h *catalogHandler) CreatePostmortemTest(c echo.Context) error {
	in, err := bind[catalog.PostmortemTestInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	if h.postmortemByCode(in.Code) != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Ya existe una prueba post-mortem con ese código")
	}
	r := &catalog.PostmortemTest{
		ID: h.st.next("postmortem"), Code: in.Code, AutopsyDate: in.AutopsyDate, DeathCause: in.DeathCause,
		DiseaseDiagnosis: in.DiseaseDiagnosis, MacroFindings: in.MacroFindings, Histology: in.Histology,
		ToxicologyResults: in.ToxicologyResults, GeneticResults: in.GeneticResults,
		PathologicCorrelation: in.PathologicCorrelation, Observations: in.Observations, IsActive: true,
	}
	h.st.postmortem = append(h.st.postmortem, r)
	return success(c, http.StatusCreated, "Prueba post-mortem creada exitosamente", r)
}

func (h *catalogHandler) UpdatePostmortemTest(c echo.Context) error {
	in, err := bind[catalog.PostmortemTestInput](c)
	if err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.postmortemByCode(c.Param("code"))
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba post-mortem no encontrada")
	}
	// the code addresses the row and is never rewritten
	setIf(&r.AutopsyDate, in.AutopsyDate)
	setIf(&r.DeathCause, in.DeathCause)
	setIf(&r.DiseaseDiagnosis, in.DiseaseDiagnosis)
	setIf(&r.MacroFindings, in.MacroFindings)
	setIf(&r.Histology, in.Histology)
	setIf(&r.ToxicologyResults, in.ToxicologyResults)
	setIf(&r.GeneticResults, in.GeneticResults)
	setIf(&r.PathologicCorrelation, in.PathologicCorrelation)
	setIf(&r.Observations, in.Observations)
	return success(c, http.StatusOK, "Prueba post-mortem actualizada exitosamente", r)
}

func (h *catalogHandler) DeletePostmortemTest(c echo.Context) error {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	r := h.postmortemByCode(c.Param("code"))
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Prueba post-mortem no encontrada")
	}
	r.IsActive = false
	return success(c, http.StatusOK, "Prueba post-mortem eliminada exitosamente", nil)
}

// -- Diseases --

func (h *catalogHandler) ListDiseases(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.Disease
	for _, d := range h.st.diseases {
		if !d.IsActive {
			continue
		}
		if sev := c.QueryParam("severidad"); sev != "" && !strings.EqualFold(sev, d.Severity) {
			continue
		}
		if matches(c, map[string]string{"nombre": d.Name, "categoria": d.Category, "codigo": d.Code}) {
			rows = append(rows, h.st.view(d))
		}
	}
	h.st.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })
	return page(c, rows)
}

func (h *catalogHandler) GetDisease(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	d := h.st.diseaseByCode(c.Param("code"))
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Enfermedad no encontrada")
	}
	return success(c, http.StatusOK, "", h.st.view(d))
}

func (h *catalogHandler) DiseaseCategories(c echo.Context) error {
	h.st.mu.RLock()
	cats := h.st.categories()
	h.st.mu.RUnlock()
	if cats == nil {
		cats = []string{}
	}
	return success(c, http.StatusOK, "", cats)
}

// nextDiseaseCode derives the code of a new disease from the upper-cased
// first six letters of its category and a two-digit sequence.
func (h *catalogHandler) nextDiseaseCode(category string) string {
	prefix := []rune(strings.ToUpper(strings.TrimSpace(category)))
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	p := string(prefix)
	last := 0
	for _, d := range h.st.diseases {
		if !strings.HasPrefix(d.Code, p) {
			continue
		}
		if n, err := strconv.Atoi(d.Code[len(p):]); err == nil && n > last {
			last = n
		}
	}
	return fmt.Sprintf("%s%02d", p, last+1)
}

func (h *catalogHandler) linkEvidence(d *diseaseRow, in catalog.DiseaseInput) {
	if in.SymptomIDs != nil {
		d.symptoms = d.symptoms[:0]
		for _, id := range in.SymptomIDs {
			if h.st.symptomByID(id) != nil {
				d.symptoms = append(d.symptoms, weighted{id: id, weight: 1})
			}
		}
	}
	if in.SignIDs != nil {
		d.signs = d.signs[:0]
		for _, id := range in.SignIDs {
			if h.st.signByID(id) != nil {
				d.signs = append(d.signs, weighted{id: id, weight: 1})
			}
		}
	}
}

func (h *catalogHandler) CreateDisease(c echo.Context) error {
	in, err := bind[catalog.DiseaseInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	if in.Severity == "" {
		in.Severity = catalog.SeverityModerate
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	code := h.nextDiseaseCode(in.Category)
	d := &diseaseRow{Disease: catalog.Disease{
		Code: code, Name: in.Name, Description: in.Description, Category: in.Category,
		Severity: in.Severity, TreatmentRecommendations: in.TreatmentRecommendations,
		PreventionMeasures: in.PreventionMeasures, IsActive: true,
	}}
	h.linkEvidence(d, in)
	h.st.diseases = append(h.st.diseases, d)
	return success(c, http.StatusCreated, "Enfermedad creada con código "+code, h.st.view(d))
}

func (h *catalogHandler) UpdateDisease(c echo.Context) error {
	in, err := bind[catalog.DiseaseInput](c)
	if err != nil {
		return err
	}
	if in.Severity != "" && !catalog.ValidSeverity(in.Severity) {
		return echo.NewHTTPError(http.StatusBadRequest, "Severidad no permitida")
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	d := h.st.diseaseByCode(c.Param("code"))
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Enfermedad no encontrada")
	}
	setIf(&d.Name, in.Name)
	setIf(&d.Description, in.Description)
	setIf(&d.Category, in.Category)
	setIf(&d.Severity, in.Severity)
	setIf(&d.TreatmentRecommendations, in.TreatmentRecommendations)
	setIf(&d.PreventionMeasures, in.PreventionMeasures)
	h.linkEvidence(d, in)
	return success(c, http.StatusOK, "Enfermedad actualizada correctamente", h.st.view(d))
}

func (h *catalogHandler) DeleteDisease(c echo.Context) error {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	d := h.st.diseaseByCode(c.Param("code"))
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Enfermedad no encontrada")
	}
	d.IsActive = false
	return success(c, http.StatusOK, "Enfermedad eliminada correctamente", nil)
}

// -- Patients --

// patientView fills the computed fields of a patient row.
func (h *catalogHandler) patientView(p *catalog.Patient) catalog.Patient {
	out := *p
	out.FullName = joinName(p.FirstName, p.SecondName, p.PaternalSurname, p.MaternalSurname)
	out.Age = ageAt(p.DateOfBirth, h.s.clock.Now())
	out.BloodType = catalog.DecodeBloodType(p.BloodTypeABO, p.BloodTypeRh)
	return out
}

// canAccess reports whether the caller may see patient p: administrators
// see every patient, doctors only their own.
func canAccess(c echo.Context, p *catalog.Patient) bool {
	return isAdmin(c) || p.DoctorID == currentUserID(c)
}

func (h *catalogHandler) diseaseNames(patientID int64) string {
	var names []string
	for _, d := range h.st.diagnoses {
		if d.PatientID == patientID {
			names = append(names, d.DiseaseName)
		}
	}
	return strings.Join(names, "\n")
}

func (h *catalogHandler) ListPatients(c echo.Context) error {
	h.st.mu.RLock()
	var rows []catalog.Patient
	for _, p := range h.st.patients {
		if !p.IsActive || !canAccess(c, p) {
			continue
		}
		v := h.patientView(p)
		if matches(c, map[string]string{
			"nombre":           v.FullName,
			"apellido_paterno": p.PaternalSurname,
			"apellido_materno": p.MaternalSurname,
			"enfermedad":       h.diseaseNames(p.ID),
		}) {
			rows = append(rows, v)
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) accessiblePatient(c echo.Context) (*catalog.Patient, error) {
	id, err := paramID(c)
	if err != nil {
		return nil, err
	}
	p := h.st.patientByID(id)
	if p == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Paciente no encontrado")
	}
	if !canAccess(c, p) {
		return nil, errForbidden
	}
	return p, nil
}

func (h *catalogHandler) GetPatient(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	p, err := h.accessiblePatient(c)
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, "", h.patientView(p))
}

func applyPatient(p *catalog.Patient, in catalog.PatientInput) {
	setIf(&p.FirstName, in.FirstName)
	setIf(&p.SecondName, in.SecondName)
	setIf(&p.PaternalSurname, in.PaternalSurname)
	setIf(&p.MaternalSurname, in.MaternalSurname)
	setIf(&p.DateOfBirth, in.DateOfBirth)
	setIf(&p.Gender, in.Gender)
	setIf(&p.SmokingStatus, in.SmokingStatus)
	setIf(&p.AlcoholConsumption, in.AlcoholConsumption)
	setIf(&p.Email, in.Email)
	setIf(&p.Phone, in.Phone)
	setIf(&p.Address, in.Address)
	setIf(&p.Allergies, in.Allergies)
	setIf(&p.ChronicConditions, in.ChronicConditions)
	if in.BloodTypeABO != nil && in.BloodTypeRh != nil {
		p.BloodTypeABO, p.BloodTypeRh = in.BloodTypeABO, in.BloodTypeRh
	}
	if in.Height != nil {
		p.Height = in.Height
	}
	if in.Weight != nil {
		p.Weight = in.Weight
	}
}

func (h *catalogHandler) CreatePatient(c echo.Context) error {
	in, err := bind[catalog.PatientInput](c)
	if err != nil {
		return err
	}
	if err := validate(in); err != nil {
		return err
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	p := &catalog.Patient{ID: h.st.next("patients"), DoctorID: currentUserID(c), IsActive: true}
	applyPatient(p, in)
	h.st.patients = append(h.st.patients, p)
	return success(c, http.StatusCreated, "Paciente creado correctamente", h.patientView(p))
}

func (h *catalogHandler) UpdatePatient(c echo.Context) error {
	in, err := bind[catalog.PatientInput](c)
	if err != nil {
		return err
	}
	if in.Gender != "" && !catalog.ValidGender(in.Gender) {
		return echo.NewHTTPError(http.StatusBadRequest, "gender: debe ser M, F u O")
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	p, err := h.accessiblePatient(c)
	if err != nil {
		return err
	}
	applyPatient(p, in)
	return success(c, http.StatusOK, "Paciente actualizado correctamente", h.patientView(p))
}

func (h *catalogHandler) DeletePatient(c echo.Context) error {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	p, err := h.accessiblePatient(c)
	if err != nil {
		return err
	}
	p.IsActive = false
	return success(c, http.StatusOK, "Paciente eliminado correctamente", nil)
}

// -- Users --

type userUpdate struct {
	Email           *string        `json:"email"`
	FirstName       *string        `json:"first_name"`
	PaternalSurname *string        `json:"paternal_surname"`
	MaternalSurname *string        `json:"maternal_surname"`
	Phone           *string        `json:"phone"`
	Role            *identity.Role `json:"role"`
	IsActive        *bool          `json:"is_active"`
}

func (h *catalogHandler) ListUsers(c echo.Context) error {
	h.st.mu.RLock()
	var rows []identity.UserProfile
	for _, u := range h.st.users {
		if role := c.QueryParam("role"); role != "" && !strings.EqualFold(role, string(u.Role)) {
			continue
		}
		if matches(c, map[string]string{
			"username":         u.Username,
			"nombre":           u.FirstName,
			"apellido_paterno": u.PaternalSurname,
			"apellido_materno": u.MaternalSurname,
		}) {
			rows = append(rows, u.profile())
		}
	}
	h.st.mu.RUnlock()
	return page(c, rows)
}

func (h *catalogHandler) userParam(c echo.Context) (*userRow, error) {
	id, err := paramID(c)
	if err != nil {
		return nil, err
	}
	u := h.st.userByID(id)
	if u == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Usuario no encontrado")
	}
	return u, nil
}

func (h *catalogHandler) GetUser(c echo.Context) error {
	h.st.mu.RLock()
	defer h.st.mu.RUnlock()
	u, err := h.userParam(c)
	if err != nil {
		return err
	}
	return success(c, http.StatusOK, "", u.profile())
}

func (h *catalogHandler) UpdateUser(c echo.Context) error {
	in, err := bind[userUpdate](c)
	if err != nil {
		return err
	}
	if in.Role != nil && !in.Role.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "Rol no permitido")
	}
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	u, err := h.userParam(c)
	if err != nil {
		return err
	}
	if in.Email != nil {
		if h.st.emailTaken(*in.Email, u.ID) {
			return echo.NewHTTPError(http.StatusBadRequest, "El correo ya está registrado")
		}
		u.Email = *in.Email
	}
	if in.FirstName != nil {
		u.FirstName = *in.FirstName
	}
	if in.PaternalSurname != nil {
		u.PaternalSurname = *in.PaternalSurname
	}
	if in.MaternalSurname != nil {
		u.MaternalSurname = *in.MaternalSurname
	}
	if in.Phone != nil {
		u.Phone = *in.Phone
	}
	if in.Role != nil {
		u.Role = *in.Role
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}
	return success(c, http.StatusOK, "Usuario actualizado correctamente", u.profile())
}

func (h *catalogHandler) DeleteUser(c echo.Context) error {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	u, err := h.userParam(c)
	if err != nil {
		return err
	}
	if u.ID == currentUserID(c) {
		return echo.NewHTTPError(http.StatusBadRequest, "No puedes eliminar tu propio usuario")
	}
	u.IsActive = false
	return success(c, http.StatusOK, "Usuario eliminado correctamente", nil)
}
