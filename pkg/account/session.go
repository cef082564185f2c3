package account

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jlr-remote/remote-car/internal/log"
	"github.com/jlr-remote/remote-car/pkg/connector"
)

// State tracks progress through the session handshake.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateDeviceRegistering
	StateUserResolving
	StateReady
)

var stateNames = map[State]string{
	StateDisconnected:      "disconnected",
	StateAuthenticating:    "authenticating",
	StateDeviceRegistering: "registering device",
	StateUserResolving:     "resolving user",
	StateReady:             "ready",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session holds the credentials minted by a successful handshake.
//
// Sessions are never modified after an Account publishes them. Reconnecting produces a new
// Session.
type Session struct {
	AccessToken        string
	RefreshToken       string
	AuthorizationToken string
	// ExpiresIn is the token lifetime in seconds, as reported by the token endpoint.
	ExpiresIn int64
	// RawExpiresIn is expires_in exactly as the token endpoint encoded it (number or string).
	RawExpiresIn json.RawMessage
	ExpiresAt    time.Time
	DeviceID     string
	UserID       string
}

// Expired returns true if the access token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Headers returns the headers that authorize a request on behalf of the session.
func (s *Session) Headers() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.AccessToken)
	header.Set(connector.HeaderDeviceID, s.DeviceID)
	header.Set("Content-Type", connector.ContentTypeJSON)
	return header
}

func (s *Session) String() string {
	return fmt.Sprintf("user=%s device=%s access_token=%s expires=%s",
		s.UserID, s.DeviceID, log.Redact(s.AccessToken), s.ExpiresAt.Format(time.RFC3339))
}
