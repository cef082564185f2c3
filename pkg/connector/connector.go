// Package connector defines how the account client talks to the vendor backend.
package connector

import (
	"context"
	"net/http"
)

// MaxResponseLength caps the maximum byte-length of responses that connectors must support.
const MaxResponseLength = 1000000

const (
	ContentTypeJSON = "application/json"
	HeaderDeviceID  = "X-Device-Id"
)

// Request describes a single call to a vendor endpoint.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Body is sent as-is if it is a []byte and JSON-encoded otherwise. A nil Body sends no
	// payload.
	Body interface{}

	// Sensitive requests (e.g., ones that carry a password) do not have their bodies logged.
	Sensitive bool
}

// Requester executes Requests.
type Requester interface {
	// Do sends req and returns the response body.
	//
	// Implementations return an error that satisfies protocol.StatusError when the server
	// responds with a non-2xx status, and an error matching protocol.ErrNetwork when no
	// response was received. Implementations must not retry.
	Do(ctx context.Context, req *Request) ([]byte, error)
}
