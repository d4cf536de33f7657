// Package sasl implements the client side of the SASL mechanisms used for SMTP
// AUTH (RFC 4954): PLAIN, LOGIN and XOAUTH2.
//
// Each mechanism produces a github.com/emersion/go-sasl Client, so the
// challenge loop driving them is the same one other go-sasl users know.
package sasl

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gosasl "github.com/emersion/go-sasl"
)

var (
	// ErrNoMechanism is returned when none of the preferred mechanisms is
	// advertised by the server.
	ErrNoMechanism = errors.New("no supported AUTH mechanism")

	// ErrUnexpectedChallenge is returned when the server sends a challenge the
	// mechanism does not expect.
	ErrUnexpectedChallenge = gosasl.ErrUnexpectedServerChallenge
)

// Mechanism is one of the supported SASL mechanisms.
type Mechanism int

const (
	Plain Mechanism = iota + 1
	Login
	XOAuth2
)

// DefaultMechanisms is the preference order used when the caller does not
// supply one.
var DefaultMechanisms = []Mechanism{Plain, Login}

var mechanismNames = map[Mechanism]string{
	Plain:   gosasl.Plain,
	Login:   gosasl.Login,
	XOAuth2: "XOAUTH2",
}

func (m Mechanism) String() string {
	if name, ok := mechanismNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mechanism(%d)", int(m))
}

// ParseMechanism maps an AUTH keyword to a Mechanism, case-insensitively.
func ParseMechanism(name string) (Mechanism, bool) {
	for m, n := range mechanismNames {
		if strings.EqualFold(n, name) {
			return m, true
		}
	}
	return 0, false
}

// SupportsInitialResponse reports whether the first client message is sent
// on the AUTH command line.
func (m Mechanism) SupportsInitialResponse() bool {
	return m == Plain || m == XOAuth2
}

// Client returns a fresh go-sasl client performing m with the given credentials.
func (m Mechanism) Client(creds Credentials) gosasl.Client {
	switch m {
	case Plain:
		return gosasl.NewPlainClient("", creds.Identity, creds.Secret)
	case Login:
		return &loginClient{username: creds.Identity, password: creds.Secret}
	case XOAuth2:
		return &xoauth2Client{user: creds.Identity, token: creds.Secret}
	default:
		return unknownClient{m}
	}
}

// Negotiate picks the first mechanism of preferred that the server
// advertises. An empty preferred list means DefaultMechanisms.
func Negotiate(preferred, advertised []Mechanism) (Mechanism, error) {
	if len(preferred) == 0 {
		preferred = DefaultMechanisms
	}
	for _, p := range preferred {
		for _, a := range advertised {
			if p == a {
				return p, nil
			}
		}
	}
	return 0, ErrNoMechanism
}

// ServerErrorReporter is implemented by mechanisms whose challenges carry
// an error description, such as XOAUTH2.
type ServerErrorReporter interface {
	ServerError() []byte
}

// Credentials is an identity and its secret (password or OAuth2 token).
// Formatting and logging a Credentials value never shows the secret.
type Credentials struct {
	Identity string
	Secret   string
}

// NewCredentials returns Credentials for identity and secret.
func NewCredentials(identity, secret string) Credentials {
	return Credentials{Identity: identity, Secret: secret}
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Identity: %q, Secret: ***}", c.Identity)
}

// GoString keeps %#v from printing the secret.
func (c Credentials) GoString() string {
	return c.String()
}

// LogValue implements slog.LogValuer.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", c.Identity),
		slog.String("secret", "***"),
	)
}

type unknownClient struct{ m Mechanism }

func (u unknownClient) Start() (string, []byte, error) {
	return "", nil, fmt.Errorf("sasl: unsupported mechanism %v", u.m)
}

func (u unknownClient) Next([]byte) ([]byte, error) {
	return nil, ErrUnexpectedChallenge
}
