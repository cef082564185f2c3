package inet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jlr-remote/remote-car/internal/log"
	"github.com/jlr-remote/remote-car/pkg/connector"
	"github.com/jlr-remote/remote-car/pkg/protocol"
)

func ReadWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

// HttpError is returned when the server responds with a non-2xx status.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d: %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func (e *HttpError) StatusCode() int {
	return e.Code
}

func (e *HttpError) ResponseBody() []byte {
	return []byte(e.Message)
}

func (e *HttpError) Temporary() bool {
	return protocol.TemporaryStatus(e.Code)
}

// Client implements connector.Requester over HTTPS.
type Client struct {
	UserAgent string
	client    *http.Client
}

// NewClient returns a Client that sends requests using httpClient. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{UserAgent: userAgent, client: httpClient}
}

func networkError(err error) error {
	return &protocol.RequestError{Kind: protocol.ErrNetwork, Err: err}
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

// Do sends req and returns the response body. See connector.Requester.
func (c *Client) Do(ctx context.Context, req *connector.Request) ([]byte, error) {
	payload, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("error encoding request to %s: %w", req.URL, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("error constructing request to %s: %w", req.URL, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			request.Header.Add(key, v)
		}
	}
	if c.UserAgent != "" && request.Header.Get("User-Agent") == "" {
		request.Header.Set("User-Agent", c.UserAgent)
	}

	if req.Sensitive || payload == nil {
		log.Debug("Sending %s %s", req.Method, req.URL)
	} else {
		log.Debug("Sending %s %s: %s", req.Method, req.URL, payload)
	}

	result, err := c.client.Do(request)
	if err != nil {
		return nil, networkError(err)
	}
	defer result.Body.Close()

	body := make([]byte, connector.MaxResponseLength+1)
	body, err = ReadWithContext(ctx, result.Body, body)
	if err != nil {
		return nil, networkError(err)
	}
	if len(body) == connector.MaxResponseLength+1 {
		return nil, fmt.Errorf("%w: response from %s exceeds maximum length", protocol.ErrBadResponse, req.URL)
	}

	if req.Sensitive {
		log.Debug("Server returned %d: %s (%d bytes)", result.StatusCode, http.StatusText(result.StatusCode), len(body))
	} else {
		log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), body)
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return nil, &HttpError{Code: result.StatusCode, Message: string(body)}
	}
	return body, nil
}
