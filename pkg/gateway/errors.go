package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/quarrydocs/quarry/pkg/httpclient"
	"github.com/quarrydocs/quarry/pkg/registry"
)

// ValidationError marks client input that failed validation. It maps to
// HTTP 422.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// statusFor maps an error to its HTTP status per the gateway's error
// taxonomy: validation 422, not found 404, registry conflict 409,
// transient infrastructure 503, everything else 500.
func statusFor(err error) int {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusConflict
	case httpclient.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
