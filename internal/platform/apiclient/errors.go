package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// UnreachableMessage is shown when the server cannot be contacted at all.
const UnreachableMessage = "Error de conexión con el servidor. Verifica que el backend esté corriendo."

// ErrUnreachable is wrapped by the error returned for connection failures.
var ErrUnreachable = errors.New("server unreachable")

// Error is the normalized failure of an API call.
type Error struct {
	StatusCode int                 `json:"-"`
	Status     string              `json:"status"`
	Message    string              `json:"message"`
	Errors     map[string][]string `json:"errors,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// FieldMessages flattens per-field validation messages into one line per
// field ("field: a, b"), sorted by field name. When the server sent no field
// errors it returns Message.
func (e *Error) FieldMessages() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	fields := make([]string, 0, len(e.Errors))
	for f := range e.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("%s: %s", f, strings.Join(e.Errors[f], ", ")))
	}
	return strings.Join(lines, "\n")
}

func unreachable(cause error) *Error {
	return &Error{
		Status:  "error",
		Message: UnreachableMessage,
		err:     fmt.Errorf("%w: %v", ErrUnreachable, cause),
	}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsUnreachable reports whether err is a connection-level failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsAborted reports whether err comes from a cancelled request.
func IsAborted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsUnauthorized reports whether err signals an invalid or expired
// credential: a 401, or a failure whose message mentions the token.
func IsUnauthorized(err error) bool {
	apiErr, ok := AsError(err)
	if !ok || apiErr.StatusCode == 0 {
		return false
	}
	if apiErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "token")
}

// Message returns the text to show a user for err.
func Message(err error) string {
	if apiErr, ok := AsError(err); ok {
		return apiErr.Message
	}
	return err.Error()
}
