package apiclient

import (
	"context"

	"github.com/ehr/medidiag/pkg/pagination"
)

// API is the request surface consumers depend on. *Client implements it.
type API interface {
	Get(ctx context.Context, path string, out any, opts ...RequestOption) error
	Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error
	Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error
	Delete(ctx context.Context, path string, out any, opts ...RequestOption) error
}

var _ API = (*Client)(nil)

// Envelope is the {status, message, data, pagination} wrapper every
// endpoint answers with.
type Envelope[T any] struct {
	Status     string           `json:"status"`
	Message    string           `json:"message,omitempty"`
	Data       T                `json:"data"`
	Pagination *pagination.Meta `json:"pagination,omitempty"`
}
