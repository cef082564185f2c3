package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, such as a
	// dropped connection or an overloaded vendor backend. The client never retries on its own;
	// callers decide what to do with this hint.
	Temporary() bool
}

// Each handshake step fails with its own error kind. Use errors.Is to test for them.
var (
	// ErrNetwork indicates the request never produced an HTTP response.
	ErrNetwork = errors.New("network error")
	// ErrAuthentication indicates the token endpoint rejected the credentials or could not be
	// reached.
	ErrAuthentication = errors.New("authentication failed")
	// ErrRegistration indicates the device ID could not be registered.
	ErrRegistration = errors.New("device registration failed")
	// ErrLogin indicates the user record could not be resolved.
	ErrLogin = errors.New("user login failed")
	// ErrVehicleFetch indicates the vehicle list could not be retrieved.
	ErrVehicleFetch = errors.New("vehicle list unavailable")
	// ErrNotConnected indicates an operation requires a session but none has been established.
	ErrNotConnected = errors.New("not connected")
	// ErrBadResponse indicates the server returned a body that could not be interpreted.
	ErrBadResponse = errors.New("invalid response")
)

// RequestError records which step of the session bootstrap failed along with the HTTP status and
// response body, when available.
type RequestError struct {
	Kind       error
	StatusCode int
	Body       []byte
	Err        error
}

// StatusError is implemented by transport errors that carry an HTTP status.
type StatusError interface {
	error
	StatusCode() int
	ResponseBody() []byte
}

// Wrap attaches kind to err. The HTTP status and body are copied from err when it carries them.
// Wrap returns nil if err is nil.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	e := &RequestError{Kind: kind, Err: err}
	var statusErr StatusError
	if errors.As(err, &statusErr) {
		e.StatusCode = statusErr.StatusCode()
		e.Body = statusErr.ResponseBody()
	}
	return e
}

func (e *RequestError) Error() string {
	kind := "request failed"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.Err == nil {
		return kind
	}
	return fmt.Sprintf("%s: %s", kind, e.Err)
}

func (e *RequestError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *RequestError) Temporary() bool {
	if e.StatusCode != 0 {
		return TemporaryStatus(e.StatusCode)
	}
	if errors.Is(e.Kind, ErrNetwork) {
		return true
	}
	return Temporary(e.Err)
}

// TemporaryStatus returns true for HTTP status codes that typically clear up without user action.
func TemporaryStatus(code int) bool {
	return (code >= 500 && code != http.StatusNotImplemented) ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

// Temporary returns true if err, or an error it wraps, indicates a possibly transient condition.
func Temporary(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Temporary()
	}
	return false
}
