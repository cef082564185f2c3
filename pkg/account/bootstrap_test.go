package account_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jlr-remote/remote-car/pkg/account"
	"github.com/jlr-remote/remote-car/pkg/protocol"
)

const (
	testEmail    = "a@b.com"
	testPassword = "x"
	testUserID   = "U123"

	tokenURL    = "https://jlp-ifas.wirelesscar.net/ifas/jlr/tokens"
	clientsURL  = "https://jlp-ifop.wirelesscar.net/ifop/jlr/users/a@b.com/clients"
	usersURL    = "https://jlp-ifoa.wirelesscar.net/if9/jlr/users"
	vehiclesURL = "https://jlp-ifoa.wirelesscar.net/if9/jlr/users/" + testUserID + "/vehicles"
)

// fakeBackend plays the part of the three vendor hosts.
type fakeBackend struct {
	lock      sync.Mutex
	calls     []string
	tokens    []map[string]interface{}
	deviceIDs []string
	lastAuth  string
	regBody   map[string]interface{}
}

func (f *fakeBackend) record(step string, r *http.Request) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, step)
	f.deviceIDs = append(f.deviceIDs, r.Header.Get("X-Device-Id"))
	if step == "vehicles" {
		f.lastAuth = r.Header.Get("Authorization")
	}
}

func (f *fakeBackend) count(step string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == step {
			n++
		}
	}
	return n
}

// nextToken returns the next configured token response, repeating the last one when exhausted.
func (f *fakeBackend) nextToken() map[string]interface{} {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == "token" {
			n++
		}
	}
	if n > len(f.tokens) {
		n = len(f.tokens)
	}
	return f.tokens[n-1]
}

func tokenResponse(access string, expiresIn interface{}) map[string]interface{} {
	return map[string]interface{}{
		"access_token":        access,
		"expires_in":          expiresIn,
		"authorization_token": "A1",
		"refresh_token":       "R1",
	}
}

var _ = Describe("Account", func() {
	var (
		transport *httpmock.MockTransport
		backend   *fakeBackend
		now       time.Time
		ctx       context.Context
	)

	newAccount := func(opts ...account.Option) *account.Account {
		opts = append([]account.Option{
			account.WithHTTPClient(&http.Client{Transport: transport}),
			account.WithClock(func() time.Time { return now }),
		}, opts...)
		acct, err := account.New(testEmail, testPassword, opts...)
		Expect(err).NotTo(HaveOccurred())
		return acct
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Unix(1700000000, 0)
		backend = &fakeBackend{tokens: []map[string]interface{}{tokenResponse("T1", 9999999999)}}
		transport = httpmock.NewMockTransport()

		transport.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
			backend.record("token", r)
			Expect(r.Header.Get("Authorization")).To(Equal("Basic YXM6YXNwYXNz"))
			var body map[string]string
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			Expect(body).To(Equal(map[string]string{"grant_type": "password", "username": testEmail, "password": testPassword}))
			return httpmock.NewJsonResponse(http.StatusOK, backend.nextToken())
		})
		transport.RegisterResponder(http.MethodPost, clientsURL, func(r *http.Request) (*http.Response, error) {
			backend.record("register", r)
			var body map[string]interface{}
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			backend.lock.Lock()
			backend.regBody = body
			backend.lock.Unlock()
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})
		transport.RegisterResponderWithQuery(http.MethodGet, usersURL, map[string]string{"loginName": testEmail}, func(r *http.Request) (*http.Response, error) {
			backend.record("user", r)
			Expect(r.Header.Get("Accept")).To(Equal("application/vnd.wirelesscar.ngtp.if9.User-v3+json"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{"userId": testUserID, "loginName": testEmail})
		})
		transport.RegisterResponderWithQuery(http.MethodGet, vehiclesURL, "primaryOnly=true", func(r *http.Request) (*http.Response, error) {
			backend.record("vehicles", r)
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"vehicles": []map[string]interface{}{
					{"userId": testUserID, "vin": "SADHA2B16K1F00001", "role": "Primary"},
				},
			})
		})
	})

	Context("successful handshake", func() {
		It("connects and lists vehicles", func() {
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(backend.calls).To(Equal([]string{"token", "register", "user"}))
			Expect(acct.State()).To(Equal(account.StateReady))

			session := acct.Session()
			Expect(session).NotTo(BeNil())
			Expect(session.AccessToken).To(Equal("T1"))
			Expect(session.AuthorizationToken).To(Equal("A1"))
			Expect(session.RefreshToken).To(Equal("R1"))
			Expect(session.UserID).To(Equal(testUserID))
			Expect(session.ExpiresIn).To(Equal(int64(9999999999)))
			Expect(session.ExpiresAt.After(now)).To(BeTrue())

			vehicles, err := acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(vehicles).To(HaveLen(1))
			Expect(vehicles[0].VIN()).To(Equal("SADHA2B16K1F00001"))
			Expect(acct.Vehicles()).To(HaveLen(1))
		})

		It("sends the most recent access token to the vehicle endpoint", func() {
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())
			_, err := acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.lastAuth).To(Equal("Bearer T1"))
			Expect(backend.count("token")).To(Equal(1))
		})

		It("uses the new access token after reconnecting", func() {
			backend.tokens = []map[string]interface{}{tokenResponse("T1", 3600), tokenResponse("T2", "3600")}
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.Session().AccessToken).To(Equal("T2"))
			Expect(acct.Session().Headers().Get("Authorization")).To(Equal("Bearer T2"))
			Expect(backend.regBody).To(HaveKeyWithValue("expires_in", "3600"))

			_, err := acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.lastAuth).To(Equal("Bearer T2"))
		})

		It("keeps the device ID constant across connections", func() {
			acct := newAccount()
			deviceID := acct.DeviceID()
			Expect(deviceID).NotTo(BeEmpty())
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.DeviceID()).To(Equal(deviceID))
			Expect(backend.deviceIDs).To(HaveLen(6))
			for _, id := range backend.deviceIDs {
				Expect(id).To(Equal(deviceID))
			}
			Expect(backend.regBody).To(Equal(map[string]interface{}{
				"access_token":        "T1",
				"authorization_token": "A1",
				"expires_in":          float64(9999999999),
				"deviceID":            deviceID,
			}))
		})

		It("uses a caller-provided device ID", func() {
			acct := newAccount(account.WithDeviceID("device-42"))
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.Session().DeviceID).To(Equal("device-42"))
			Expect(backend.regBody["deviceID"]).To(Equal("device-42"))
		})

		It("accepts a fractional lifetime and echoes it back unchanged", func() {
			transport.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
				backend.record("token", r)
				return httpmock.NewStringResponse(http.StatusOK,
					`{"access_token": "T1", "authorization_token": "A1", "refresh_token": "R1", "expires_in": 3.6e3}`), nil
			})
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(acct.Session().ExpiresIn).To(Equal(int64(3600)))
			Expect(acct.Session().ExpiresAt).To(BeTemporally("==", now.Add(time.Hour)))
			Expect(string(acct.Session().RawExpiresIn)).To(Equal("3.6e3"))
			Expect(backend.regBody).To(HaveKeyWithValue("expires_in", float64(3600)))
		})

		It("runs a single handshake for concurrent callers", func() {
			const callers = 20
			acct := newAccount()
			var wg sync.WaitGroup
			errs := make(chan error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := acct.ListVehicles(ctx)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(backend.count("token")).To(Equal(1))
			Expect(backend.count("register")).To(Equal(1))
			Expect(backend.count("user")).To(Equal(1))
			Expect(backend.count("vehicles")).To(Equal(callers))
		})

		It("keeps the previous session available while reconnecting", func() {
			backend.tokens = []map[string]interface{}{tokenResponse("T1", 3600), tokenResponse("T2", 3600)}
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())

			var (
				midState   account.State
				midSession *account.Session
			)
			transport.RegisterResponderWithQuery(http.MethodGet, usersURL, map[string]string{"loginName": testEmail}, func(r *http.Request) (*http.Response, error) {
				backend.record("user", r)
				midState = acct.State()
				midSession = acct.Session()
				return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{"userId": testUserID})
			})
			Expect(acct.Connect(ctx)).To(Succeed())
			Expect(midState).To(Equal(account.StateUserResolving))
			Expect(midSession).NotTo(BeNil())
			Expect(midSession.AccessToken).To(Equal("T1"))
			Expect(acct.State()).To(Equal(account.StateReady))
			Expect(acct.Session().AccessToken).To(Equal("T2"))
		})

		It("opens an account and retains its vehicles", func() {
			acct, err := account.Open(ctx, testEmail, testPassword,
				account.WithHTTPClient(&http.Client{Transport: transport}),
				account.WithClock(func() time.Time { return now }))
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.calls).To(Equal([]string{"token", "register", "user", "vehicles"}))

			v, ok := acct.GetVehicle("sadha2b16k1f00001")
			Expect(ok).To(BeTrue())
			Expect(v.Role()).To(Equal("Primary"))
			_, ok = acct.GetVehicle("UNKNOWN")
			Expect(ok).To(BeFalse())
		})
	})

	Context("authentication failure", func() {
		BeforeEach(func() {
			transport.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
				backend.record("token", r)
				return httpmock.NewStringResponse(http.StatusUnauthorized, `{"error":"invalid_grant"}`), nil
			})
		})

		It("fails without registering the device", func() {
			acct := newAccount()
			err := acct.Connect(ctx)
			Expect(errors.Is(err, protocol.ErrAuthentication)).To(BeTrue())
			Expect(backend.count("token")).To(Equal(1))
			Expect(backend.count("register")).To(BeZero())
			Expect(backend.count("user")).To(BeZero())
			Expect(acct.Session()).To(BeNil())
			Expect(acct.State()).To(Equal(account.StateDisconnected))

			var reqErr *protocol.RequestError
			Expect(errors.As(err, &reqErr)).To(BeTrue())
			Expect(reqErr.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(string(reqErr.Body)).To(ContainSubstring("invalid_grant"))
			Expect(protocol.Temporary(err)).To(BeFalse())
		})

		It("does not list vehicles", func() {
			acct := newAccount()
			_, err := acct.ListVehicles(ctx)
			Expect(errors.Is(err, protocol.ErrAuthentication)).To(BeTrue())
			Expect(backend.count("vehicles")).To(BeZero())
		})
	})

	Context("network failure", func() {
		It("reports the failure once without retrying", func() {
			transport.RegisterResponder(http.MethodPost, tokenURL, func(r *http.Request) (*http.Response, error) {
				backend.record("token", r)
				return nil, fmt.Errorf("connection refused")
			})
			acct := newAccount()
			err := acct.Connect(ctx)
			Expect(errors.Is(err, protocol.ErrAuthentication)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrNetwork)).To(BeTrue())
			Expect(protocol.Temporary(err)).To(BeTrue())
			Expect(backend.count("token")).To(Equal(1))
		})
	})

	Context("malformed token response", func() {
		It("rejects a response without an access token", func() {
			backend.tokens = []map[string]interface{}{{"expires_in": 60}}
			acct := newAccount()
			err := acct.Connect(ctx)
			Expect(errors.Is(err, protocol.ErrAuthentication)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrBadResponse)).To(BeTrue())
			Expect(backend.count("register")).To(BeZero())
		})
	})

	Context("registration failure", func() {
		It("is fatal", func() {
			transport.RegisterResponder(http.MethodPost, clientsURL, func(r *http.Request) (*http.Response, error) {
				backend.record("register", r)
				return httpmock.NewStringResponse(http.StatusForbidden, "forbidden"), nil
			})
			acct := newAccount()
			err := acct.Connect(ctx)
			Expect(errors.Is(err, protocol.ErrRegistration)).To(BeTrue())
			Expect(backend.count("user")).To(BeZero())
			Expect(acct.Session()).To(BeNil())
		})
	})

	Context("login failure", func() {
		It("requires a user ID", func() {
			transport.RegisterResponderWithQuery(http.MethodGet, usersURL, map[string]string{"loginName": testEmail}, func(r *http.Request) (*http.Response, error) {
				backend.record("user", r)
				return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{"loginName": testEmail})
			})
			acct := newAccount()
			err := acct.Connect(ctx)
			Expect(errors.Is(err, protocol.ErrLogin)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrBadResponse)).To(BeTrue())
			Expect(acct.Session()).To(BeNil())
		})
	})

	Context("vehicle listing failure", func() {
		It("wraps the HTTP status", func() {
			transport.RegisterResponderWithQuery(http.MethodGet, vehiclesURL, "primaryOnly=true", func(r *http.Request) (*http.Response, error) {
				backend.record("vehicles", r)
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "maintenance"), nil
			})
			acct := newAccount()
			_, err := acct.ListVehicles(ctx)
			Expect(errors.Is(err, protocol.ErrVehicleFetch)).To(BeTrue())
			Expect(protocol.Temporary(err)).To(BeTrue())
			Expect(backend.count("vehicles")).To(Equal(1))
			// The session itself is still valid.
			Expect(acct.State()).To(Equal(account.StateReady))
		})
	})

	Context("expiry", func() {
		BeforeEach(func() {
			backend.tokens = []map[string]interface{}{tokenResponse("T1", 60), tokenResponse("T2", 60)}
		})

		It("connects on first use", func() {
			acct := newAccount()
			_, err := acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.calls).To(Equal([]string{"token", "register", "user", "vehicles"}))
		})

		It("redoes the whole handshake once the token expires", func() {
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())

			now = now.Add(30 * time.Second)
			_, err := acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.count("token")).To(Equal(1))

			now = now.Add(30 * time.Second)
			_, err = acct.ListVehicles(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.calls).To(Equal([]string{
				"token", "register", "user", "vehicles",
				"token", "register", "user", "vehicles",
			}))
			Expect(backend.lastAuth).To(Equal("Bearer T2"))
		})

		It("drops the expired session when reconnecting fails", func() {
			acct := newAccount()
			Expect(acct.Connect(ctx)).To(Succeed())
			transport.RegisterResponder(http.MethodPost, tokenURL, httpmock.NewStringResponder(http.StatusUnauthorized, ""))

			now = now.Add(time.Hour)
			_, err := acct.Get(ctx, vehiclesURL+"?primaryOnly=true")
			Expect(errors.Is(err, protocol.ErrAuthentication)).To(BeTrue())
			Expect(acct.Session()).To(BeNil())
			Expect(acct.State()).To(Equal(account.StateDisconnected))
		})
	})

	Context("passthrough requests", func() {
		It("authorizes arbitrary requests", func() {
			const statusURL = "https://jlp-ifoa.wirelesscar.net/if9/jlr/vehicles/SADHA2B16K1F00001/status"
			transport.RegisterResponder(http.MethodGet, statusURL, func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer T1"))
				return httpmock.NewStringResponse(http.StatusOK, `{"vehicleStatus":[]}`), nil
			})
			transport.RegisterResponder(http.MethodPost, statusURL, func(r *http.Request) (*http.Response, error) {
				var body map[string]string
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body).To(HaveKeyWithValue("serviceName", "VHS"))
				return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
			})

			acct := newAccount()
			body, err := acct.Get(ctx, statusURL)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(MatchJSON(`{"vehicleStatus":[]}`))

			_, err = acct.Post(ctx, statusURL, map[string]string{"serviceName": "VHS"})
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.count("token")).To(Equal(1))
		})
	})
})
