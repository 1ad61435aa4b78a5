package remote

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the tenant API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tenant api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("tenant api: status %d: %s", e.StatusCode, e.Detail)
}

// Permanent reports whether retrying the same request can ever succeed.
// Client errors are permanent except timeouts (408) and throttling (429);
// server errors and everything else are treated as transient.
func (e *APIError) Permanent() bool {
	if e.StatusCode == 408 || e.StatusCode == 429 {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a permanent tenant API rejection.
// Network failures are never permanent.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
