package account

import (
	"context"
	_ "embed" // Used to embed version for use with user agent
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jlr-remote/remote-car/internal/log"
	"github.com/jlr-remote/remote-car/pkg/connector"
	"github.com/jlr-remote/remote-car/pkg/connector/inet"
	"github.com/jlr-remote/remote-car/pkg/protocol"
	"github.com/jlr-remote/remote-car/pkg/vehicle"
)

var (
	//go:embed version.txt
	libraryVersion string
)

// DefaultTimeout bounds each HTTP request made by an Account.
const DefaultTimeout = 10 * time.Second

var (
	ErrMissingEmail    = errors.New("account email is required")
	ErrMissingPassword = errors.New("account password is required")
)

func buildUserAgent(app string) string {
	library := strings.TrimSpace("jlr-remote/" + libraryVersion)
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return library
	}
	path := strings.Split(build.Path, "/")
	if len(path) == 0 {
		return library
	}

	if app == "" {
		app = path[len(path)-1]
		var version string
		if build.Main.Version != "(devel)" && build.Main.Version != "" {
			version = build.Main.Version
		} else {
			for _, info := range build.Settings {
				if info.Key == "vcs.revision" {
					if len(info.Value) > 8 {
						version = info.Value[0:8]
					}
					break
				}
			}
		}

		if version != "" {
			app = fmt.Sprintf("%s/%s", app, version)
		}
	}
	if app == "" {
		return library
	}
	return fmt.Sprintf("%s %s", app, library)
}

// Account is a connection to a vendor user account.
//
// An Account is created disconnected. [Account.Connect] runs the handshake (authenticate,
// register the device ID, resolve the user ID) and publishes a [Session]; methods that need a
// session reconnect automatically once the access token has expired.
type Account struct {
	// The default UserAgent is constructed from the build info, but can be overridden.
	UserAgent string

	email     string
	password  string
	deviceID  string
	endpoints Endpoints
	requester connector.Requester
	now       func() time.Time

	connectLock sync.Mutex
	conn        atomic.Pointer[connection]

	vehicleLock sync.Mutex
	vehicles    []*vehicle.Vehicle
}

type options struct {
	deviceID   string
	httpClient *http.Client
	requester  connector.Requester
	endpoints  Endpoints
	userAgent  string
	timeout    time.Duration
	now        func() time.Time
}

// Option configures an Account.
type Option func(*options)

// WithDeviceID sets the client device ID. Without it, New generates a random UUID.
func WithDeviceID(id string) Option {
	return func(o *options) { o.deviceID = id }
}

// WithHTTPClient sends requests with client instead of a new http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithRequester replaces the HTTP transport entirely. It takes precedence over WithHTTPClient.
func WithRequester(r connector.Requester) Option {
	return func(o *options) { o.requester = r }
}

// WithEndpoints overrides the vendor hosts.
func WithEndpoints(e Endpoints) Option {
	return func(o *options) { o.endpoints = e }
}

// WithUserAgent sets the application part of the User-Agent header.
func WithUserAgent(app string) Option {
	return func(o *options) { o.userAgent = app }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock replaces time.Now when computing and checking token expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New returns a disconnected Account. No requests are made until [Account.Connect] or a method
// that requires a session is called.
func New(email, password string, opts ...Option) (*Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrMissingEmail
	}
	if password == "" {
		return nil, ErrMissingPassword
	}

	o := options{
		endpoints: DefaultEndpoints,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.endpoints.validate(); err != nil {
		return nil, err
	}

	if o.deviceID == "" {
		o.deviceID = uuid.NewString()
		log.Debug("Generated device ID %s", o.deviceID)
	}

	userAgent := buildUserAgent(o.userAgent)
	requester := o.requester
	if requester == nil {
		client := o.httpClient
		if client == nil {
			client = &http.Client{Timeout: o.timeout}
		}
		requester = inet.NewClient(client, userAgent)
	}

	return &Account{
		UserAgent: userAgent,
		email:     email,
		password:  password,
		deviceID:  o.deviceID,
		endpoints: o.endpoints,
		requester: requester,
		now:       o.now,
	}, nil
}

// Open creates an Account, connects it, and fetches the user's vehicles.
func Open(ctx context.Context, email, password string, opts ...Option) (*Account, error) {
	acct, err := New(email, password, opts...)
	if err != nil {
		return nil, err
	}
	if err := acct.Connect(ctx); err != nil {
		return nil, err
	}
	if _, err := acct.ListVehicles(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (a *Account) Email() string {
	return a.email
}

// DeviceID returns the client identifier registered with the vendor. It does not change for the
// lifetime of the Account.
func (a *Account) DeviceID() string {
	return a.deviceID
}

// connection pairs the handshake state with the session it applies to, so that readers never
// see one updated without the other.
type connection struct {
	state   State
	session *Session
}

// Session returns the current session, or nil if the account is not connected. While a
// reconnect is in progress the previous session is returned until the handshake completes.
func (a *Account) Session() *Session {
	if c := a.conn.Load(); c != nil {
		return c.session
	}
	return nil
}

// State returns the handshake step in progress, or StateReady if the account holds a session
// and no handshake is running.
func (a *Account) State() State {
	if c := a.conn.Load(); c != nil {
		return c.state
	}
	return StateDisconnected
}

// setState advances the handshake state, keeping the current session. Callers hold connectLock.
func (a *Account) setState(state State) {
	a.conn.Store(&connection{state: state, session: a.Session()})
}

func (a *Account) publish(state State, s *Session) {
	a.conn.Store(&connection{state: state, session: s})
}

// Vehicles returns the vehicle list fetched by the most recent call to [Account.ListVehicles].
func (a *Account) Vehicles() []*vehicle.Vehicle {
	a.vehicleLock.Lock()
	defer a.vehicleLock.Unlock()
	return append([]*vehicle.Vehicle(nil), a.vehicles...)
}

// Connect runs the full handshake and replaces the current session. It stops at the first failing
// step; in that case the account is left disconnected.
func (a *Account) Connect(ctx context.Context) error {
	a.connectLock.Lock()
	defer a.connectLock.Unlock()
	return a.connect(ctx)
}

func (a *Account) connect(ctx context.Context) error {
	s, err := a.handshake(ctx)
	if err != nil {
		a.publish(StateDisconnected, nil)
		log.Error("Connection failed: %s", err)
		return err
	}
	a.publish(StateReady, s)
	return nil
}

func (a *Account) handshake(ctx context.Context) (*Session, error) {
	log.Info("Connecting...")
	a.setState(StateAuthenticating)
	s, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("1/3 authenticated")

	a.setState(StateDeviceRegistering)
	if err := a.registerDevice(ctx, s); err != nil {
		return nil, err
	}
	log.Info("2/3 device ID registered")

	a.setState(StateUserResolving)
	if s.UserID, err = a.loginUser(ctx, s); err != nil {
		return nil, err
	}
	log.Info("3/3 user logged in, user ID retrieved")
	return s, nil
}

// flexString decodes JSON strings and numbers alike.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n)
	return nil
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// lifetime is the token endpoint's expires_in. The raw value is kept so that it can be echoed
// back to the registration endpoint exactly as received.
type lifetime struct {
	text flexString
	raw  json.RawMessage
}

func (l *lifetime) UnmarshalJSON(data []byte) error {
	if err := l.text.UnmarshalJSON(data); err != nil {
		return err
	}
	l.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Seconds returns the lifetime in whole seconds. Fractions are truncated and values beyond
// int64 saturate.
func (l *lifetime) Seconds() (int64, error) {
	f, err := strconv.ParseFloat(string(l.text), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f < 0 {
		return 0, fmt.Errorf("invalid lifetime %s", l.text)
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(f), nil
}

type tokenResponse struct {
	AccessToken        string   `json:"access_token"`
	ExpiresIn          lifetime `json:"expires_in"`
	AuthorizationToken string   `json:"authorization_token"`
	RefreshToken       string   `json:"refresh_token"`
}

func expiresAt(now time.Time, seconds int64) time.Time {
	if seconds > math.MaxInt64-now.Unix() {
		seconds = math.MaxInt64 - now.Unix()
	}
	return time.Unix(now.Unix()+seconds, int64(now.Nanosecond()))
}

func (a *Account) authenticate(ctx context.Context) (*Session, error) {
	header := http.Header{}
	header.Set("Authorization", basicClientAuth)
	header.Set("Content-Type", connector.ContentTypeJSON)
	header.Set(connector.HeaderDeviceID, a.deviceID)

	body, err := a.requester.Do(ctx, &connector.Request{
		Method:    http.MethodPost,
		URL:       a.endpoints.tokenURL(),
		Header:    header,
		Body:      tokenRequest{GrantType: "password", Username: a.email, Password: a.password},
		Sensitive: true,
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrAuthentication, err)
	}

	var rsp tokenResponse
	if err := json.Unmarshal(body, &rsp); err != nil {
		return nil, protocol.Wrap(protocol.ErrAuthentication, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err))
	}
	if rsp.AccessToken == "" || rsp.AuthorizationToken == "" {
		return nil, protocol.Wrap(protocol.ErrAuthentication, fmt.Errorf("%w: token response missing access or authorization token", protocol.ErrBadResponse))
	}
	expiresIn, err := rsp.ExpiresIn.Seconds()
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrAuthentication, fmt.Errorf("%w: expires_in '%s'", protocol.ErrBadResponse, rsp.ExpiresIn.text))
	}

	return &Session{
		AccessToken:        rsp.AccessToken,
		RefreshToken:       rsp.RefreshToken,
		AuthorizationToken: rsp.AuthorizationToken,
		ExpiresIn:          expiresIn,
		RawExpiresIn:       rsp.ExpiresIn.raw,
		ExpiresAt:          expiresAt(a.now(), expiresIn),
		DeviceID:           a.deviceID,
	}, nil
}

type registrationRequest struct {
	AccessToken        string          `json:"access_token"`
	AuthorizationToken string          `json:"authorization_token"`
	ExpiresIn          json.RawMessage `json:"expires_in"`
	DeviceID           string          `json:"deviceID"`
}

func (a *Account) registerDevice(ctx context.Context, s *Session) error {
	_, err := a.requester.Do(ctx, &connector.Request{
		Method: http.MethodPost,
		URL:    a.endpoints.clientsURL(a.email),
		Header: s.Headers(),
		Body: registrationRequest{
			AccessToken:        s.AccessToken,
			AuthorizationToken: s.AuthorizationToken,
			ExpiresIn:          s.RawExpiresIn,
			DeviceID:           s.DeviceID,
		},
		Sensitive: true,
	})
	return protocol.Wrap(protocol.ErrRegistration, err)
}

type userResponse struct {
	UserID flexString `json:"userId"`
}

func (a *Account) loginUser(ctx context.Context, s *Session) (string, error) {
	header := s.Headers()
	header.Set("Accept", userAcceptType)
	body, err := a.requester.Do(ctx, &connector.Request{
		Method: http.MethodGet,
		URL:    a.endpoints.userURL(a.email),
		Header: header,
	})
	if err != nil {
		return "", protocol.Wrap(protocol.ErrLogin, err)
	}

	var rsp userResponse
	if err := json.Unmarshal(body, &rsp); err != nil {
		return "", protocol.Wrap(protocol.ErrLogin, fmt.Errorf("%w: %s", protocol.ErrBadResponse, err))
	}
	if rsp.UserID == "" {
		return "", protocol.Wrap(protocol.ErrLogin, fmt.Errorf("%w: user record has no userId", protocol.ErrBadResponse))
	}
	return string(rsp.UserID), nil
}

// ensureFresh returns a session that has not expired, reconnecting if necessary.
func (a *Account) ensureFresh(ctx context.Context) (*Session, error) {
	if s := a.Session(); s != nil && !s.Expired(a.now()) {
		return s, nil
	}

	a.connectLock.Lock()
	defer a.connectLock.Unlock()
	// Another caller may have reconnected while we waited for the lock.
	s := a.Session()
	if s != nil && !s.Expired(a.now()) {
		return s, nil
	}
	if s != nil {
		log.Info("Access token expired at %s, reconnecting", s.ExpiresAt.Format(time.RFC3339))
	}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a.Session(), nil
}

// ListVehicles fetches the user's primary vehicles. The result is also retained and available
// through [Account.Vehicles].
func (a *Account) ListVehicles(ctx context.Context) ([]*vehicle.Vehicle, error) {
	s, err := a.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	body, err := a.requester.Do(ctx, &connector.Request{
		Method: http.MethodGet,
		URL:    a.endpoints.vehiclesURL(s.UserID),
		Header: s.Headers(),
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrVehicleFetch, err)
	}
	vehicles, err := vehicle.ParseList(body)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrVehicleFetch, err)
	}
	log.Debug("Found %d vehicle(s)", len(vehicles))

	a.vehicleLock.Lock()
	a.vehicles = vehicles
	a.vehicleLock.Unlock()
	return append([]*vehicle.Vehicle(nil), vehicles...), nil
}

// GetVehicle returns the vehicle with the provided VIN from the retained vehicle list.
func (a *Account) GetVehicle(vin string) (*vehicle.Vehicle, bool) {
	a.vehicleLock.Lock()
	defer a.vehicleLock.Unlock()
	for _, v := range a.vehicles {
		if strings.EqualFold(v.VIN(), vin) {
			return v, true
		}
	}
	return nil, false
}

// Get sends an authenticated HTTP GET request to url and returns the response body.
//
// The url must be absolute; the vendor spreads its API over several hosts (see [Endpoints]).
func (a *Account) Get(ctx context.Context, url string) ([]byte, error) {
	return a.send(ctx, http.MethodGet, url, nil)
}

// Post sends an authenticated HTTP POST request to url. The data is sent as-is if it is a []byte
// and JSON-encoded otherwise. Returns the HTTP body of the response.
func (a *Account) Post(ctx context.Context, url string, data interface{}) ([]byte, error) {
	return a.send(ctx, http.MethodPost, url, data)
}

func (a *Account) send(ctx context.Context, method, url string, data interface{}) ([]byte, error) {
	s, err := a.ensureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return a.requester.Do(ctx, &connector.Request{
		Method: method,
		URL:    url,
		Header: s.Headers(),
		Body:   data,
	})
}
