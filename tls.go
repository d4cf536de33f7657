package kestrel

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// CABundleEnv names an optional PEM file whose certificates are added to the
// system trust store.
const CABundleEnv = "KESTREL_CA_BUNDLE"

// TrustMode selects the root certificates a server chain is verified against.
type TrustMode int

const (
	// TrustSystem uses the operating system roots plus pinned roots.
	TrustSystem TrustMode = iota
	// TrustWebPKI uses the public Web PKI roots plus pinned roots. Go ships no
	// root bundle of its own, so this resolves to the system roots.
	TrustWebPKI
	// TrustNone uses the pinned roots only.
	TrustNone
)

func (m TrustMode) String() string {
	switch m {
	case TrustSystem:
		return "system"
	case TrustWebPKI:
		return "webpki"
	case TrustNone:
		return "none"
	}
	return fmt.Sprintf("TrustMode(%d)", int(m))
}

// TLSParameters is an immutable TLS client configuration. Build one with
// NewTLSParameters.
type TLSParameters struct {
	serverName             string
	trust                  TrustMode
	roots                  []*x509.Certificate
	identity               *tls.Certificate
	minVersion             uint16
	acceptInvalidCerts     bool
	acceptInvalidHostnames bool
}

// ServerName is the name the server certificate is checked against.
func (p *TLSParameters) ServerName() string { return p.serverName }

// TLSParametersBuilder accumulates TLS settings.
type TLSParametersBuilder struct {
	params TLSParameters
	err    error
}

// NewTLSParameters starts a builder for a server called serverName, with
// system trust and TLS 1.2 as the minimum version.
func NewTLSParameters(serverName string) *TLSParametersBuilder {
	return &TLSParametersBuilder{params: TLSParameters{
		serverName: serverName,
		trust:      TrustSystem,
		minVersion: tls.VersionTLS12,
	}}
}

// AddRootCertificate pins an extra trusted root, given as DER or PEM.
// A PEM input may hold several certificates.
func (b *TLSParametersBuilder) AddRootCertificate(data []byte) *TLSParametersBuilder {
	certs, err := parseCertificates(data)
	if err != nil {
		b.setErr(err)
		return b
	}
	b.params.roots = append(b.params.roots, certs...)
	return b
}

// TrustMode sets the root store.
func (b *TLSParametersBuilder) TrustMode(m TrustMode) *TLSParametersBuilder {
	b.params.trust = m
	return b
}

// ClientIdentity sets the certificate presented for client authentication.
func (b *TLSParametersBuilder) ClientIdentity(certPEM, keyPEM []byte) *TLSParametersBuilder {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		b.setErr(fmt.Errorf("client identity: %w", err))
		return b
	}
	b.params.identity = &cert
	return b
}

// MinVersion sets the minimum protocol version. Versions below TLS 1.2 are
// refused by Build.
func (b *TLSParametersBuilder) MinVersion(v uint16) *TLSParametersBuilder {
	if v < tls.VersionTLS12 {
		b.setErr(fmt.Errorf("minimum TLS version %s is below TLS 1.2", tls.VersionName(v)))
		return b
	}
	b.params.minVersion = v
	return b
}

// DangerousAcceptInvalidCerts disables chain verification. The host name is
// still checked unless DangerousAcceptInvalidHostnames is set too.
func (b *TLSParametersBuilder) DangerousAcceptInvalidCerts(accept bool) *TLSParametersBuilder {
	b.params.acceptInvalidCerts = accept
	return b
}

// DangerousAcceptInvalidHostnames disables the host name check; the chain is
// still verified.
func (b *TLSParametersBuilder) DangerousAcceptInvalidHostnames(accept bool) *TLSParametersBuilder {
	b.params.acceptInvalidHostnames = accept
	return b
}

// Build returns the parameters or the first error recorded by the builder.
func (b *TLSParametersBuilder) Build() (*TLSParameters, error) {
	if b.err != nil {
		return nil, tlsError("invalid TLS parameters", b.err)
	}
	if b.params.serverName == "" && !b.params.acceptInvalidHostnames {
		return nil, tlsError("invalid TLS parameters", errors.New("server name is required"))
	}
	p := b.params
	return &p, nil
}

func (b *TLSParametersBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("root certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("root certificate: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}

// rootPool builds the pool the chain is verified against.
func (p *TLSParameters) rootPool() (*x509.CertPool, error) {
	var pool *x509.CertPool
	switch p.trust {
	case TrustNone:
		pool = x509.NewCertPool()
	default:
		sys, err := x509.SystemCertPool()
		if err != nil {
			sys = x509.NewCertPool()
		}
		pool = sys
		if path := os.Getenv(CABundleEnv); path != "" {
			pemData, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", CABundleEnv, err)
			}
			pool.AppendCertsFromPEM(pemData)
		}
	}
	for _, c := range p.roots {
		pool.AddCert(c)
	}
	return pool, nil
}

// Config returns a crypto/tls client configuration for these parameters.
func (p *TLSParameters) Config() (*tls.Config, error) {
	pool, err := p.rootPool()
	if err != nil {
		return nil, tlsError("loading root certificates", err)
	}

	cfg := &tls.Config{
		ServerName: p.serverName,
		RootCAs:    pool,
		MinVersion: p.minVersion,
	}
	if p.identity != nil {
		cfg.Certificates = []tls.Certificate{*p.identity}
	}

	switch {
	case p.acceptInvalidCerts && p.acceptInvalidHostnames:
		cfg.InsecureSkipVerify = true
	case p.acceptInvalidCerts:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("tls: server sent no certificate")
			}
			return cs.PeerCertificates[0].VerifyHostname(p.serverName)
		}
	case p.acceptInvalidHostnames:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, pool)
		}
	}
	return cfg, nil
}

// verifyChain verifies the peer chain against roots without a name check.
func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: server sent no certificate")
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// TLSMode is how a connection uses TLS.
type TLSMode int

const (
	// TLSNone never encrypts.
	TLSNone TLSMode = iota
	// TLSOpportunistic upgrades with STARTTLS when the server offers it.
	TLSOpportunistic
	// TLSRequired upgrades with STARTTLS and fails when it is not offered.
	TLSRequired
	// TLSWrapper handshakes immediately after connecting (port 465).
	TLSWrapper
)

func (m TLSMode) String() string {
	switch m {
	case TLSNone:
		return "none"
	case TLSOpportunistic:
		return "opportunistic"
	case TLSRequired:
		return "required"
	case TLSWrapper:
		return "wrapper"
	}
	return fmt.Sprintf("TLSMode(%d)", int(m))
}

// TLSPolicy pairs a mode with the parameters used for the handshake. A nil
// Params means system trust for the connection's host.
type TLSPolicy struct {
	Mode   TLSMode
	Params *TLSParameters
}

// params returns p.Params, or defaults for host.
func (p TLSPolicy) params(host string) (*TLSParameters, error) {
	if p.Params != nil {
		return p.Params, nil
	}
	return NewTLSParameters(host).Build()
}
