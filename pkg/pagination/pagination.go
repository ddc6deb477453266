package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 10
	// LargePageSize is requested when the caller wants the whole matching set
	// in one response (composer catalogs, filtered patient table).
	LargePageSize = 1000
)

// AllowedPageSizes lists the page sizes a list view may offer.
var AllowedPageSizes = []int{10, 25, 50}

// Params holds the page coordinates of a list request.
type Params struct {
	Page     int
	PageSize int
}

// Meta is the pagination block of a list envelope.
type Meta struct {
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

// NormalizePageSize coerces any size outside AllowedPageSizes to the default.
func NormalizePageSize(n int) int {
	for _, s := range AllowedPageSizes {
		if n == s {
			return n
		}
	}
	return DefaultPageSize
}

// ParsePageSize parses a stored page size, falling back to the default for
// anything unparsable or not allowed.
func ParsePageSize(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return DefaultPageSize
	}
	return NormalizePageSize(n)
}

// TotalPages returns the number of pages needed for total rows. It is never
// less than one so that an empty list still has a current page.
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 1
	}
	return (total + pageSize - 1) / pageSize
}

// Clamp bounds page to [1, totalPages].
func Clamp(page, totalPages int) int {
	if totalPages < 1 {
		totalPages = 1
	}
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}

// Offset returns the zero-based index of the first row of the page.
func (p Params) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// Slice returns the rows of the requested page from an already-loaded set.
func Slice[T any](rows []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return rows
	}
	start := Params{Page: page, PageSize: pageSize}.Offset()
	if start >= len(rows) {
		return []T{}
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// NewMeta builds the envelope metadata for a page over total rows.
func NewMeta(total int, p Params) Meta {
	return Meta{
		TotalCount: total,
		TotalPages: TotalPages(total, p.PageSize),
		Page:       p.Page,
		PageSize:   p.PageSize,
	}
}

// FromContext extracts page parameters from the echo context. Unlike list
// views, the server side accepts any positive page size up to LargePageSize.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > LargePageSize {
		size = LargePageSize
	}
	return Params{Page: page, PageSize: size}
}
