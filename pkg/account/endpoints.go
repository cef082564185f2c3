package account

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	basicClientAuth = "Basic YXM6YXNwYXNz"
	userAcceptType  = "application/vnd.wirelesscar.ngtp.if9.User-v3+json"
)

// Endpoints are the base URLs of the three vendor services used during the handshake.
type Endpoints struct {
	Auth         string // token endpoint host (IFAS)
	Registration string // client registration host (IFOP)
	User         string // user and vehicle host (IFOA)
}

// DefaultEndpoints are the production hosts.
var DefaultEndpoints = Endpoints{
	Auth:         "https://jlp-ifas.wirelesscar.net",
	Registration: "https://jlp-ifop.wirelesscar.net",
	User:         "https://jlp-ifoa.wirelesscar.net",
}

func (e Endpoints) validate() error {
	for name, base := range map[string]string{"auth": e.Auth, "registration": e.Registration, "user": e.User} {
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("invalid %s endpoint: %w", name, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s endpoint '%s': expected scheme://host", name, base)
		}
	}
	return nil
}

func trim(base string) string {
	return strings.TrimSuffix(base, "/")
}

func (e Endpoints) tokenURL() string {
	return trim(e.Auth) + "/ifas/jlr/tokens"
}

func (e Endpoints) clientsURL(email string) string {
	return fmt.Sprintf("%s/ifop/jlr/users/%s/clients", trim(e.Registration), url.PathEscape(email))
}

func (e Endpoints) userURL(email string) string {
	query := url.Values{"loginName": {email}}
	return fmt.Sprintf("%s/if9/jlr/users?%s", trim(e.User), query.Encode())
}

func (e Endpoints) vehiclesURL(userID string) string {
	return fmt.Sprintf("%s/if9/jlr/users/%s/vehicles?primaryOnly=true", trim(e.User), url.PathEscape(userID))
}
