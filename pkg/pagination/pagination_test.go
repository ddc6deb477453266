package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.PageSize != DefaultPageSize {
		t.Errorf("expected default page size %d, got %d", DefaultPageSize, p.PageSize)
	}
	if p.Page != 1 {
		t.Errorf("expected default page 1, got %d", p.Page)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?page=3&page_size=25", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Page != 3 {
		t.Errorf("expected page 3, got %d", p.Page)
	}
	if p.PageSize != 25 {
		t.Errorf("expected page size 25, got %d", p.PageSize)
	}
}

func TestFromContext_LargePageCapped(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?page_size=5000", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.PageSize != LargePageSize {
		t.Errorf("expected page size capped at %d, got %d", LargePageSize, p.PageSize)
	}
}

func TestNormalizePageSize(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{10, 10},
		{25, 25},
		{50, 50},
		{0, 10},
		{20, 10},
		{100, 10},
		{-5, 10},
	}
	for _, tt := range tests {
		if got := NormalizePageSize(tt.in); got != tt.want {
			t.Errorf("NormalizePageSize(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParsePageSize(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"25", 25},
		{"50", 50},
		{"", 10},
		{"abc", 10},
		{"1000", 10},
	}
	for _, tt := range tests {
		if got := ParsePageSize(tt.in); got != tt.want {
			t.Errorf("ParsePageSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  int
	}{
		{"empty", 0, 10, 1},
		{"exact", 20, 10, 2},
		{"partial", 21, 10, 3},
		{"single", 3, 10, 1},
		{"zero size", 5, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TotalPages(tt.total, tt.size); got != tt.want {
				t.Errorf("TotalPages() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name  string
		page  int
		pages int
		want  int
	}{
		{"in range", 2, 3, 2},
		{"below", 0, 3, 1},
		{"above", 7, 3, 3},
		{"no pages", 4, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.page, tt.pages); got != tt.want {
				t.Errorf("Clamp(%d, %d) = %d, want %d", tt.page, tt.pages, got, tt.want)
			}
		})
	}
}

func TestSlice(t *testing.T) {
	rows := []int{1, 2, 3, 4, 5, 6, 7}

	if got := Slice(rows, 1, 3); len(got) != 3 || got[0] != 1 {
		t.Errorf("page 1 = %v, want [1 2 3]", got)
	}
	if got := Slice(rows, 3, 3); len(got) != 1 || got[0] != 7 {
		t.Errorf("page 3 = %v, want [7]", got)
	}
	if got := Slice(rows, 4, 3); len(got) != 0 {
		t.Errorf("page past end = %v, want empty", got)
	}
}

func TestNewMeta(t *testing.T) {
	m := NewMeta(21, Params{Page: 2, PageSize: 10})

	if m.TotalCount != 21 {
		t.Errorf("expected total 21, got %d", m.TotalCount)
	}
	if m.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", m.TotalPages)
	}
	if m.Page != 2 || m.PageSize != 10 {
		t.Errorf("unexpected page coordinates: %+v", m)
	}
}

func TestParams_Offset(t *testing.T) {
	if got := (Params{Page: 3, PageSize: 10}).Offset(); got != 20 {
		t.Errorf("Offset() = %d, want 20", got)
	}
	if got := (Params{Page: 0, PageSize: 10}).Offset(); got != 0 {
		t.Errorf("Offset() = %d, want 0", got)
	}
}
