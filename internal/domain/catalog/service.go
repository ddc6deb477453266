package catalog

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ehr/medidiag/internal/platform/apiclient"
)

// Service performs the create/read/update/delete calls of the catalog
// tables. Listing goes through the listing controller instead.
type Service struct {
	api apiclient.API
}

func NewService(api apiclient.API) *Service {
	return &Service{api: api}
}

func itemPath(res Resource, key string) string {
	return res.Path + "/" + url.PathEscape(key)
}

// Get fetches one row of res into out.
func Get[T any](ctx context.Context, s *Service, res Resource, key string) (T, error) {
	var env apiclient.Envelope[T]
	if err := s.api.Get(ctx, itemPath(res, key), &env); err != nil {
		var zero T
		return zero, fmt.Errorf("get %s %s: %w", res.Name, key, err)
	}
	return env.Data, nil
}

// Create validates body when it can, posts it and returns the created row.
func Create[T any](ctx context.Context, s *Service, res Resource, body any) (T, error) {
	var zero T
	if v, ok := body.(Validator); ok {
		if err := v.Validate(); err != nil {
			return zero, err
		}
	}
	var env apiclient.Envelope[T]
	if err := s.api.Post(ctx, res.Path, body, &env); err != nil {
		return zero, fmt.Errorf("create %s: %w", res.Name, err)
	}
	return env.Data, nil
}

// Update sends body to /<res>/<key>. Codes are immutable, so the key of a
// code-addressed row never changes through this call.
func Update[T any](ctx context.Context, s *Service, res Resource, key string, body any) (T, error) {
	var zero T
	if v, ok := body.(Validator); ok {
		if err := v.Validate(); err != nil {
			return zero, err
		}
	}
	var env apiclient.Envelope[T]
	if err := s.api.Put(ctx, itemPath(res, key), body, &env); err != nil {
		return zero, fmt.Errorf("update %s %s: %w", res.Name, key, err)
	}
	return env.Data, nil
}

// Delete soft-deletes the row addressed by key.
func (s *Service) Delete(ctx context.Context, res Resource, key string) error {
	if err := s.api.Delete(ctx, itemPath(res, key), nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", res.Name, key, err)
	}
	return nil
}

// DiseaseCategories returns the distinct categories of active diseases.
func (s *Service) DiseaseCategories(ctx context.Context) ([]string, error) {
	var env apiclient.Envelope[[]string]
	if err := s.api.Get(ctx, Diseases.Path+"/categories", &env); err != nil {
		return nil, fmt.Errorf("disease categories: %w", err)
	}
	return env.Data, nil
}

// Health probes the API health endpoint.
func (s *Service) Health(ctx context.Context) (string, error) {
	var env apiclient.Envelope[any]
	if err := s.api.Get(ctx, "/health", &env); err != nil {
		return "", err
	}
	return env.Status, nil
}
