package devserver

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/diagnosis"
	"github.com/ehr/medidiag/internal/domain/identity"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedWeight struct {
	Code   string  `yaml:"code"`
	Weight float64 `yaml:"weight"`
}

type seedUser struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Email           string `yaml:"email"`
	FirstName       string `yaml:"first_name"`
	PaternalSurname string `yaml:"paternal_surname"`
	MaternalSurname string `yaml:"maternal_surname"`
	Role            string `yaml:"role"`
}

type seedItem struct {
	Code            string `yaml:"code"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Category        string `yaml:"category"`
	MeasurementUnit string `yaml:"measurement_unit"`
	Unit            string `yaml:"unit"`
	NormalRange     string `yaml:"normal_range"`
}

type seedDisease struct {
	Code                     string       `yaml:"code"`
	Name                     string       `yaml:"name"`
	Description              string       `yaml:"description"`
	Category                 string       `yaml:"category"`
	Severity                 string       `yaml:"severity"`
	TreatmentRecommendations string       `yaml:"treatment_recommendations"`
	PreventionMeasures       string       `yaml:"prevention_measures"`
	Symptoms                 []seedWeight `yaml:"symptoms"`
	Signs                    []seedWeight `yaml:"signs"`
	LabTests                 []seedWeight `yaml:"lab_tests"`
}

type seedPatient struct {
	FirstName       string `yaml:"first_name"`
	SecondName      string `yaml:"second_name"`
	PaternalSurname string `yaml:"paternal_surname"`
	MaternalSurname string `yaml:"maternal_surname"`
	DateOfBirth     string `yaml:"date_of_birth"`
	Gender          string `yaml:"gender"`
	BloodType       string `yaml:"blood_type"`
	Allergies       string `yaml:"allergies"`
}

type seedPostmortem struct {
	Code             string `yaml:"code"`
	AutopsyDate      string `yaml:"autopsy_date"`
	DeathCause       string `yaml:"death_cause"`
	DiseaseDiagnosis string `yaml:"disease_diagnosis"`
	MacroFindings    string `yaml:"macro_findings"`
	Histology        string `yaml:"histology"`
}

// Seed is the initial content of the store.
type Seed struct {
	Users           []seedUser       `yaml:"users"`
	Symptoms        []seedItem       `yaml:"symptoms"`
	Signs           []seedItem       `yaml:"signs"`
	LabTests        []seedItem       `yaml:"lab_tests"`
	Diseases        []seedDisease    `yaml:"diseases"`
	Patients        []seedPatient    `yaml:"patients"`
	PostmortemTests []seedPostmortem `yaml:"postmortem_tests"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(raw []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

// DefaultSeed returns the bundled catalog, users and patients.
func DefaultSeed() *Seed {
	s, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(err)
	}
	return s
}

type userRow struct {
	identity.UserProfile
	hash []byte
}

type weighted struct {
	id     int64
	weight float64
}

type diseaseRow struct {
	catalog.Disease
	symptoms []weighted
	signs    []weighted
	labs     []weighted
}

type followUpRow struct {
	ID        int64               `json:"id"`
	DoctorID  int64               `json:"doctor_id"`
	CreatedAt diagnosis.Timestamp `json:"created_at"`
	diagnosis.FollowUp
}

// store keeps every table in memory behind one lock.
type store struct {
	mu   sync.RWMutex
	cost int
	ids  map[string]int64

	users      []*userRow
	symptoms   []*catalog.Symptom
	signs      []*catalog.Sign
	labs       []*catalog.LabTest
	postmortem []*catalog.PostmortemTest
	diseases   []*diseaseRow
	patients   []*catalog.Patient
	diagnoses  []*diagnosis.Diagnosis
	followUps  []*followUpRow
}

func newStore(seed *Seed, cost int) (*store, error) {
	s := &store{cost: cost, ids: make(map[string]int64)}
	if seed == nil {
		return s, nil
	}

	for _, u := range seed.Users {
		role := identity.Role(u.Role)
		if !role.Valid() {
			return nil, fmt.Errorf("seed user %s: invalid role %q", u.Username, u.Role)
		}
		if _, err := s.addUser(identity.UserProfile{
			Username:        u.Username,
			Email:           u.Email,
			FirstName:       u.FirstName,
			PaternalSurname: u.PaternalSurname,
			MaternalSurname: u.MaternalSurname,
			Role:            role,
		}, u.Password); err != nil {
			return nil, err
		}
	}

	symptomIDs := make(map[string]int64)
	for _, it := range seed.Symptoms {
		row := &catalog.Symptom{ID: s.next("symptoms"), Code: it.Code, Name: it.Name, Description: it.Description, Category: it.Category, IsActive: true}
		s.symptoms = append(s.symptoms, row)
		symptomIDs[it.Code] = row.ID
	}
	signIDs := make(map[string]int64)
	for _, it := range seed.Signs {
		row := &catalog.Sign{ID: s.next("signs"), Code: it.Code, Name: it.Name, Description: it.Description, Category: it.Category,
			MeasurementUnit: it.MeasurementUnit, NormalRange: it.NormalRange, IsActive: true}
		s.signs = append(s.signs, row)
		signIDs[it.Code] = row.ID
	}
	labIDs := make(map[string]int64)
	for _, it := range seed.LabTests {
		row := &catalog.LabTest{ID: s.next("lab_tests"), Code: it.Code, Name: it.Name, Description: it.Description, Category: it.Category,
			Unit: it.Unit, NormalRange: it.NormalRange, IsActive: true}
		s.labs = append(s.labs, row)
		labIDs[it.Code] = row.ID
	}

	resolve := func(disease string, ws []seedWeight, ids map[string]int64) ([]weighted, error) {
		out := make([]weighted, 0, len(ws))
		for _, w := range ws {
			id, ok := ids[w.Code]
			if !ok {
				return nil, fmt.Errorf("seed disease %s: unknown evidence code %s", disease, w.Code)
			}
			out = append(out, weighted{id: id, weight: w.Weight})
		}
		return out, nil
	}
	for _, d := range seed.Diseases {
		row := &diseaseRow{Disease: catalog.Disease{
			Code: d.Code, Name: d.Name, Description: d.Description, Category: d.Category,
			Severity: d.Severity, TreatmentRecommendations: d.TreatmentRecommendations,
			PreventionMeasures: d.PreventionMeasures, IsActive: true,
		}}
		var err error
		if row.symptoms, err = resolve(d.Code, d.Symptoms, symptomIDs); err != nil {
			return nil, err
		}
		if row.signs, err = resolve(d.Code, d.Signs, signIDs); err != nil {
			return nil, err
		}
		if row.labs, err = resolve(d.Code, d.LabTests, labIDs); err != nil {
			return nil, err
		}
		s.diseases = append(s.diseases, row)
	}

	var doctorID int64
	for _, u := range s.users {
		if u.Role == identity.RoleDoctor {
			doctorID = u.ID
			break
		}
	}
	for _, p := range seed.Patients {
		row := &catalog.Patient{
			ID: s.next("patients"), FirstName: p.FirstName, SecondName: p.SecondName,
			PaternalSurname: p.PaternalSurname, MaternalSurname: p.MaternalSurname,
			DateOfBirth: p.DateOfBirth, Gender: p.Gender, Allergies: p.Allergies,
			DoctorID: doctorID, IsActive: true,
		}
		row.BloodTypeABO, row.BloodTypeRh = catalog.EncodeBloodType(p.BloodType)
		s.patients = append(s.patients, row)
	}

	for _, pm := range seed.PostmortemTests {
		s.postmortem = append(s.postmortem, &catalog.PostmortemTest{
			ID: s.next("postmortem"), Code: pm.Code, AutopsyDate: pm.AutopsyDate, DeathCause: pm.DeathCause,
			DiseaseDiagnosis: pm.DiseaseDiagnosis, MacroFindings: pm.MacroFindings, Histology: pm.Histology,
			IsActive: true,
		})
	}
	return s, nil
}

func (s *store) next(table string) int64 {
	s.ids[table]++
	return s.ids[table]
}

func (s *store) hash(password string) ([]byte, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return h, nil
}

func (s *store) addUser(u identity.UserProfile, password string) (*userRow, error) {
	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}
	u.ID = s.next("users")
	u.IsActive = true
	row := &userRow{UserProfile: u, hash: hash}
	s.users = append(s.users, row)
	return row, nil
}

func (s *store) userByName(username string) *userRow {
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u
		}
	}
	return nil
}

func (s *store) userByID(id int64) *userRow {
	for _, u := range s.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

func (s *store) emailTaken(email string, except int64) bool {
	for _, u := range s.users {
		if u.ID != except && strings.EqualFold(u.Email, email) {
			return true
		}
	}
	return false
}

func (u *userRow) checkPassword(password string) bool {
	return bcrypt.CompareHashAndPassword(u.hash, []byte(password)) == nil
}

func (u *userRow) profile() identity.UserProfile {
	p := u.UserProfile
	p.FullName = joinName(p.FirstName, p.SecondName, p.PaternalSurname, p.MaternalSurname)
	return p
}

func (s *store) symptomByID(id int64) *catalog.Symptom {
	for _, r := range s.symptoms {
		if r.ID == id && r.IsActive {
			return r
		}
	}
	return nil
}

func (s *store) signByID(id int64) *catalog.Sign {
	for _, r := range s.signs {
		if r.ID == id && r.IsActive {
			return r
		}
	}
	return nil
}

func (s *store) labByID(id int64) *catalog.LabTest {
	for _, r := range s.labs {
		if r.ID == id && r.IsActive {
			return r
		}
	}
	return nil
}

func (s *store) diseaseByCode(code string) *diseaseRow {
	for _, r := range s.diseases {
		if strings.EqualFold(r.Code, code) && r.IsActive {
			return r
		}
	}
	return nil
}

func (s *store) patientByID(id int64) *catalog.Patient {
	for _, r := range s.patients {
		if r.ID == id && r.IsActive {
			return r
		}
	}
	return nil
}

func (s *store) diagnosisByID(id int64) *diagnosis.Diagnosis {
	for _, r := range s.diagnoses {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// view renders a disease with its evidence relations resolved.
func (s *store) view(d *diseaseRow) catalog.Disease {
	out := d.Disease
	out.Symptoms, out.Signs, out.LabTests = nil, nil, nil
	for _, w := range d.symptoms {
		if r := s.symptomByID(w.id); r != nil {
			out.Symptoms = append(out.Symptoms, *r)
		}
	}
	for _, w := range d.signs {
		if r := s.signByID(w.id); r != nil {
			out.Signs = append(out.Signs, *r)
		}
	}
	for _, w := range d.labs {
		if r := s.labByID(w.id); r != nil {
			out.LabTests = append(out.LabTests, *r)
		}
	}
	return out
}

// rules snapshots the weighted evidence of every active disease, skipping
// inactive evidence.
func (s *store) rules() []ruleSet {
	out := make([]ruleSet, 0, len(s.diseases))
	for _, d := range s.diseases {
		if !d.IsActive {
			continue
		}
		rs := ruleSet{code: d.Code, name: d.Name, category: d.Category, severity: d.Severity}
		for _, w := range d.symptoms {
			if r := s.symptomByID(w.id); r != nil {
				rs.symptoms = append(rs.symptoms, rule{id: r.ID, code: r.Code, name: r.Name, weight: w.weight})
			}
		}
		for _, w := range d.signs {
			if r := s.signByID(w.id); r != nil {
				rs.signs = append(rs.signs, rule{id: r.ID, code: r.Code, name: r.Name, weight: w.weight, normal: r.NormalRange})
			}
		}
		for _, w := range d.labs {
			if r := s.labByID(w.id); r != nil {
				rs.labs = append(rs.labs, rule{id: r.ID, code: r.Code, name: r.Name, weight: w.weight, normal: r.NormalRange})
			}
		}
		out = append(out, rs)
	}
	return out
}

func (s *store) categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range s.diseases {
		if d.IsActive && d.Category != "" && !seen[d.Category] {
			seen[d.Category] = true
			out = append(out, d.Category)
		}
	}
	sort.Strings(out)
	return out
}

func joinName(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// ageAt returns the age in whole years on now of someone born on dob
// (YYYY-MM-DD), or nil when dob does not parse.
func ageAt(dob string, now time.Time) *int {
	born, err := time.Parse("2006-01-02", dob)
	if err != nil {
		return nil
	}
	age := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		age--
	}
	return &age
}
