package diagnosis

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ehr/medidiag/internal/platform/apiclient"
)

// Service wraps the diagnosis and follow-up endpoints.
type Service struct {
	api apiclient.API
}

func NewService(api apiclient.API) *Service {
	return &Service{api: api}
}

// Create posts a submission to the inference endpoint. The submission is
// sent as built; validation belongs to the composer.
func (s *Service) Create(ctx context.Context, sub Submission) (*Diagnosis, error) {
	if sub.Symptoms == nil {
		sub.Symptoms = []PresentedSymptom{}
	}
	var env apiclient.Envelope[Diagnosis]
	if err := s.api.Post(ctx, "/diagnoses", sub, &env); err != nil {
		return nil, err
	}
	d := env.Data
	d.Normalize()
	return &d, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Diagnosis, error) {
	var env apiclient.Envelope[Diagnosis]
	if err := s.api.Get(ctx, "/diagnoses/"+strconv.FormatInt(id, 10), &env); err != nil {
		return nil, err
	}
	d := env.Data
	d.Normalize()
	return &d, nil
}

// ListForPatient returns the diagnoses of a patient, newest first.
func (s *Service) ListForPatient(ctx context.Context, patientID int64) ([]Diagnosis, error) {
	var env apiclient.Envelope[[]Diagnosis]
	path := fmt.Sprintf("/patients/%d/diagnoses", patientID)
	if err := s.api.Get(ctx, path, &env); err != nil {
		return nil, err
	}
	out := env.Data
	for i := range out {
		out[i].Normalize()
	}
	SortNewestFirst(out)
	return out, nil
}

// UpdateStatus changes the status and, optionally, the follow-up date.
func (s *Service) UpdateStatus(ctx context.Context, id int64, u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("status: valor no permitido %q", u.Status)
	}
	if u.FollowUpDate != "" {
		if _, err := ParseTimestamp(u.FollowUpDate); err != nil {
			return fmt.Errorf("follow_up_date: %w", err)
		}
	}
	return s.api.Put(ctx, "/diagnoses/"+strconv.FormatInt(id, 10), u, nil)
}

// Delete removes a diagnosis. The server restricts it to administrators.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.api.Delete(ctx, "/diagnoses/"+strconv.FormatInt(id, 10), nil)
}

// CreateFollowUp records a follow-up visit for a diagnosis.
func (s *Service) CreateFollowUp(ctx context.Context, f FollowUp) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return s.api.Post(ctx, "/follow-ups", f, nil)
}

// SortNewestFirst orders diagnoses by diagnosis date, latest first.
func SortNewestFirst(ds []Diagnosis) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].DiagnosisDate.After(ds[j].DiagnosisDate.Time)
	})
}
