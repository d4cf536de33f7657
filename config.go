package kestrel

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
)

// Default ports.
const (
	PortSMTP       = 25
	PortSubmission = 587
	PortSubmitTLS  = 465
)

// DialContextFunc opens the TCP connection to the server.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ClientConfig contains configuration options for a client connection.
//
// For a more developer-friendly API, consider using the builder pattern:
//
//	transport, err := kestrel.NewTransportBuilder("smtp.example.com").
//	    Port(kestrel.PortSubmission).
//	    TLS(kestrel.TLSPolicy{Mode: kestrel.TLSRequired}).
//	    Credentials(sasl.NewCredentials("user", "secret")).
//	    Build()
type ClientConfig struct {
	// Host is the server name or IP literal. Required.
	Host string

	// Port is the TCP port.
	// Default: 25
	Port int

	// ClientID is the EHLO/HELO argument.
	// Default: the local host name, see ClientIDFromHostname.
	ClientID ClientID

	// ---- TLS ----

	// TLS selects how the connection is encrypted. Params default to system
	// trust for Host.
	TLS TLSPolicy

	// ---- Authentication ----

	// Credentials enables AUTH after the greeting (and TLS) when set.
	Credentials *sasl.Credentials

	// Mechanisms is the preference order for AUTH.
	// Default: sasl.DefaultMechanisms (PLAIN, LOGIN)
	Mechanisms []sasl.Mechanism

	// ---- Timeouts ----

	// ConnectionTimeout bounds resolution, dialing and the wrapped TLS
	// handshake.
	// Default: 60 seconds
	ConnectionTimeout time.Duration

	// ReadTimeout is applied to every read from the server.
	// Default: 60 seconds
	ReadTimeout time.Duration

	// WriteTimeout is applied to every write to the server.
	// Default: 60 seconds
	WriteTimeout time.Duration

	// ---- Network ----

	// LocalAddr is the local address to dial from (e.g. "192.0.2.1:0").
	LocalAddr string

	// Resolver resolves Host before dialing. Default: the operating system
	// resolver, unless DialContext is set, in which case Host is passed to
	// it unresolved.
	Resolver dns.Resolver

	// DialContext replaces the TCP dialer, for proxies and tests.
	DialContext DialContextFunc

	// Logger receives connection events. Wire traces are logged at Debug.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultClientConfig returns a ClientConfig for host with sensible defaults.
func DefaultClientConfig(host string) ClientConfig {
	return ClientConfig{
		Host:              host,
		Port:              PortSMTP,
		ConnectionTimeout: 60 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		Logger:            slog.Default(),
	}
}

// withDefaults fills unset fields.
func (c ClientConfig) withDefaults() ClientConfig {
	if c.Port == 0 {
		c.Port = PortSMTP
	}
	if c.ClientID.IsZero() {
		c.ClientID = ClientIDFromHostname()
	}
	if len(c.Mechanisms) == 0 {
		c.Mechanisms = sasl.DefaultMechanisms
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.Resolver == nil && c.DialContext == nil {
		c.Resolver = dns.NewStdResolver()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the settings that would otherwise fail mid-session.
func (c ClientConfig) Validate() error {
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Port < 0 || c.Port > 65535 {
		return clientError("invalid port", nil)
	}
	if !c.ClientID.IsZero() {
		if err := c.ClientID.Validate(); err != nil {
			return clientError("invalid client id", err)
		}
	}
	return nil
}
