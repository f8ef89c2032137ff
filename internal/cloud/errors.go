package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDiscovery is returned when the discovery document lacks a required key.
	ErrDiscovery = errors.New("discovery failed")
	// ErrAuthentication is returned when the identity provider or the
	// credential exchange rejects the login.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotLoggedIn is returned by operations that need credentials before Login succeeded.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrNoDeviceFound is returned when the account has no associated device.
	ErrNoDeviceFound = errors.New("no device found in the account")
	// ErrDeviceNotFound is returned when a device id is not associated with the account.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrMissingParameter is returned when a mandatory argument is empty.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrNoActiveMap is returned when a map-scoped query has no map to target.
	ErrNoActiveMap = errors.New("no active map")
	// ErrNotImplemented is returned by operations the cloud API lacks support for.
	ErrNotImplemented = errors.New("not implemented")
)

// RequestError is a non-200 response from the cloud API, after any retry.
type RequestError struct {
	Method string
	URL    string
	Status int
	// Err is the re-authentication failure, when that is what ended the request.
	Err error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("cloud %s %s: status %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsAuthExpired reports whether err is a 403 from the cloud API, which means
// the temporary credentials are no longer accepted.
func IsAuthExpired(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Status == http.StatusForbidden && reqErr.Err == nil
}
