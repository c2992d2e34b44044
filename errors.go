package taxchat

import (
	"errors"
	"fmt"
	"net/http"
)

// BackendError is a failure reported by the model backend.
type BackendError struct {
	Provider   string
	Code       string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s backend error (%s): %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("%s backend error: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Throttled reports whether the backend rejected the call for quota or rate reasons.
func (e *BackendError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// HTTPStatus maps err to the status code served to the client.
func HTTPStatus(err error) int {
	var be *BackendError
	if errors.As(err, &be) && be.Throttled() {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
