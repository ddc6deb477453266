package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Severity grades of a disease.
const (
	SeverityMild     = "leve"
	SeverityModerate = "moderada"
	SeveritySevere   = "grave"
	SeverityCritical = "crítica"
)

var severities = []string{SeverityMild, SeverityModerate, SeveritySevere, SeverityCritical}

// ValidSeverity reports whether s is one of the four severity grades.
func ValidSeverity(s string) bool {
	for _, v := range severities {
		if s == v {
			return true
		}
	}
	return false
}

// Gender codes of a patient.
const (
	GenderMale   = "M"
	GenderFemale = "F"
	GenderOther  = "O"
)

func ValidGender(g string) bool {
	return g == GenderMale || g == GenderFemale || g == GenderOther
}

type Symptom struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	IsActive    bool   `json:"is_active"`
}

type Sign struct {
	ID              int64  `json:"id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Category        string `json:"category"`
	MeasurementUnit string `json:"measurement_unit,omitempty"`
	NormalRange     string `json:"normal_range,omitempty"`
	IsActive        bool   `json:"is_active"`
}

type LabTest struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Unit        string `json:"unit,omitempty"`
	NormalRange string `json:"normal_range,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// PostmortemTest is an autopsy record addressed by its code.
type PostmortemTest struct {
	ID                    int64  `json:"id,omitempty"`
	Code                  string `json:"code"`
	AutopsyDate           string `json:"autopsy_date,omitempty"`
	DeathCause            string `json:"death_cause"`
	DiseaseDiagnosis      string `json:"disease_diagnosis,omitempty"`
	MacroFindings         string `json:"macro_findings,omitempty"`
	Histology             string `json:"histology,omitempty"`
	ToxicologyResults     string `json:"toxicology_results,omitempty"`
	GeneticResults        string `json:"genetic_results,omitempty"`
	PathologicCorrelation string `json:"pathologic_correlation,omitempty"`
	Observations          string `json:"observations,omitempty"`
	IsActive              bool   `json:"is_active"`
}

// Disease is addressed by its server-assigned code.
type Disease struct {
	Code                     string    `json:"code"`
	Name                     string    `json:"name"`
	Description              string    `json:"description,omitempty"`
	Category                 string    `json:"category"`
	Severity                 string    `json:"severity"`
	TreatmentRecommendations string    `json:"treatment_recommendations,omitempty"`
	PreventionMeasures       string    `json:"prevention_measures,omitempty"`
	IsActive                 bool      `json:"is_active"`
	Symptoms                 []Symptom `json:"symptoms,omitempty"`
	Signs                    []Sign    `json:"signs,omitempty"`
	LabTests                 []LabTest `json:"lab_tests,omitempty"`
}

type Patient struct {
	ID                 int64    `json:"id"`
	FirstName          string   `json:"first_name"`
	SecondName         string   `json:"second_name,omitempty"`
	PaternalSurname    string   `json:"paternal_surname"`
	MaternalSurname    string   `json:"maternal_surname,omitempty"`
	FullName           string   `json:"full_name,omitempty"`
	DateOfBirth        string   `json:"date_of_birth"`
	Age                *int     `json:"age,omitempty"`
	Gender             string   `json:"gender"`
	BloodTypeABO       *int     `json:"blood_type_abo,omitempty"`
	BloodTypeRh        *int     `json:"blood_type_rh,omitempty"`
	BloodType          string   `json:"blood_type,omitempty"`
	Height             *float64 `json:"height,omitempty"`
	Weight             *float64 `json:"weight,omitempty"`
	SmokingStatus      string   `json:"smoking_status,omitempty"`
	AlcoholConsumption string   `json:"alcohol_consumption,omitempty"`
	Email              string   `json:"email,omitempty"`
	Phone              string   `json:"phone,omitempty"`
	Address            string   `json:"address,omitempty"`
	Allergies          string   `json:"allergies,omitempty"`
	ChronicConditions  string   `json:"chronic_conditions,omitempty"`
	DoctorID           int64    `json:"doctor_id,omitempty"`
	IsActive           bool     `json:"is_active"`
}

// DisplayName prefers the server-computed full name.
func (p Patient) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	parts := make([]string, 0, 4)
	for _, s := range []string{p.FirstName, p.SecondName, p.PaternalSurname, p.MaternalSurname} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// BloodTypeLabel returns the composite blood type ("AB-"), decoding the
// encoded pair when the server sent it, or "" when unknown.
func (p Patient) BloodTypeLabel() string {
	if label := DecodeBloodType(p.BloodTypeABO, p.BloodTypeRh); label != "" {
		return label
	}
	return p.BloodType
}

var aboCodes = map[string]int{"O": 0, "A": 1, "B": 2, "AB": 3}

// EncodeBloodType splits a composite blood type such as "A+" into its ABO
// code (O:0, A:1, B:2, AB:3) and Rh code (+:1, -:0). Unknown input yields
// nil for both.
func EncodeBloodType(s string) (abo, rh *int) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return nil, nil
	}
	group, sign := s[:len(s)-1], s[len(s)-1]
	code, ok := aboCodes[group]
	if !ok {
		return nil, nil
	}
	var r int
	switch sign {
	case '+':
		r = 1
	case '-':
		r = 0
	default:
		return nil, nil
	}
	return &code, &r
}

// DecodeBloodType is the inverse of EncodeBloodType.
func DecodeBloodType(abo, rh *int) string {
	if abo == nil || rh == nil {
		return ""
	}
	var group string
	for g, c := range aboCodes {
		if c == *abo {
			group = g
		}
	}
	if group == "" {
		return ""
	}
	switch *rh {
	case 1:
		return group + "+"
	case 0:
		return group + "-"
	}
	return ""
}

// Validator is implemented by request bodies checked before submission.
type Validator interface {
	Validate() error
}

// SymptomInput is the create/update body of a symptom.
type SymptomInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
}

func (in SymptomInput) Validate() error {
	return requireFields(map[string]string{"name": in.Name, "category": in.Category})
}

type SignInput struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Category        string `json:"category"`
	MeasurementUnit string `json:"measurement_unit,omitempty"`
	NormalRange     string `json:"normal_range,omitempty"`
}

func (in SignInput) Validate() error {
	return requireFields(map[string]string{"name": in.Name, "category": in.Category})
}

type LabTestInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Unit        string `json:"unit,omitempty"`
	NormalRange string `json:"normal_range,omitempty"`
}

func (in LabTestInput) Validate() error {
	return requireFields(map[string]string{"name": in.Name, "category": in.Category})
}

type PostmortemTestInput struct {
	Code                  string `json:"code"`
	AutopsyDate           string `json:"autopsy_date,omitempty"`
	DeathCause            string `json:"death_cause"`
	DiseaseDiagnosis      string `json:"disease_diagnosis,omitempty"`
	MacroFindings         string `json:"macro_findings,omitempty"`
	Histology             string `json:"histology,omitempty"`
	ToxicologyResults     string `json:"toxicology_results,omitempty"`
	GeneticResults        string `json:"genetic_results,omitempty"`
	PathologicCorrelation string `json:"pathologic_correlation,omitempty"`
	Observations          string `json:"observations,omitempty"`
}

func (in PostmortemTestInput) Validate() error {
	return requireFields(map[string]string{"code": in.Code, "death_cause": in.DeathCause})
}

type DiseaseInput struct {
	Name                     string  `json:"name"`
	Description              string  `json:"description,omitempty"`
	Category                 string  `json:"category"`
	Severity                 string  `json:"severity,omitempty"`
	TreatmentRecommendations string  `json:"treatment_recommendations,omitempty"`
	PreventionMeasures       string  `json:"prevention_measures,omitempty"`
	SymptomIDs               []int64 `json:"symptom_ids,omitempty"`
	SignIDs                  []int64 `json:"sign_ids,omitempty"`
}

func (in DiseaseInput) Validate() error {
	if err := requireFields(map[string]string{"name": in.Name, "category": in.Category}); err != nil {
		return err
	}
	if in.Severity != "" && !ValidSeverity(in.Severity) {
		return fmt.Errorf("severity: debe ser uno de %s", strings.Join(severities, ", "))
	}
	return nil
}

// PatientInput is the create/update body of a patient. The blood type is
// always sent as the encoded pair.
type PatientInput struct {
	FirstName          string   `json:"first_name"`
	SecondName         string   `json:"second_name,omitempty"`
	PaternalSurname    string   `json:"paternal_surname"`
	MaternalSurname    string   `json:"maternal_surname,omitempty"`
	DateOfBirth        string   `json:"date_of_birth"`
	Gender             string   `json:"gender"`
	BloodTypeABO       *int     `json:"blood_type_abo,omitempty"`
	BloodTypeRh        *int     `json:"blood_type_rh,omitempty"`
	Height             *float64 `json:"height,omitempty"`
	Weight             *float64 `json:"weight,omitempty"`
	SmokingStatus      string   `json:"smoking_status,omitempty"`
	AlcoholConsumption string   `json:"alcohol_consumption,omitempty"`
	Email              string   `json:"email,omitempty"`
	Phone              string   `json:"phone,omitempty"`
	Address            string   `json:"address,omitempty"`
	Allergies          string   `json:"allergies,omitempty"`
	ChronicConditions  string   `json:"chronic_conditions,omitempty"`
}

// SetBloodType encodes a composite blood type into the pair. Unknown input
// clears it.
func (in *PatientInput) SetBloodType(s string) {
	in.BloodTypeABO, in.BloodTypeRh = EncodeBloodType(s)
}

func (in PatientInput) Validate() error {
	if err := requireFields(map[string]string{
		"first_name":       in.FirstName,
		"paternal_surname": in.PaternalSurname,
		"date_of_birth":    in.DateOfBirth,
		"gender":           in.Gender,
	}); err != nil {
		return err
	}
	if !ValidGender(in.Gender) {
		return fmt.Errorf("gender: debe ser M, F u O")
	}
	return nil
}

func requireFields(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("campos requeridos: %s", strings.Join(missing, ", "))
}
