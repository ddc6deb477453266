package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512k", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"mucho", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func serveLimited(t *testing.T, limit, body string, contentLength int64) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnoses", strings.NewReader(body))
	req.ContentLength = contentLength
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := BodyLimit(limit)(func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusCreated)
	})
	return rec, h(c)
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	rec, err := serveLimited(t, "1K", `{"patient_id":1}`, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	_, err := serveLimited(t, "10", strings.Repeat("x", 50), 50)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("err = %v, want 413", err)
	}
}

func TestBodyLimit_RejectsWithoutContentLength(t *testing.T) {
	_, err := serveLimited(t, "10", strings.Repeat("x", 50), -1)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("err = %v, want 413", err)
	}
}
