package coinbase

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coinbase: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("coinbase: HTTP %d: %s", e.StatusCode, e.Message)
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
