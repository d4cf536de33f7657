package kestrel

import (
	"net/url"
	"strconv"

	"github.com/synqronlabs/kestrel/sasl"
)

// FromURL returns a builder configured from a connection URL:
//
//	smtp://[user[:pass]@]host[:port][?tls=opportunistic|required][&ehlo=name]
//	smtps://[user[:pass]@]host[:port][?ehlo=name]
//
// Plain smtp defaults to port 25 without TLS, smtp with a tls parameter to
// port 587, and smtps to port 465 with TLS from the first byte. User
// information enables AUTH with PLAIN or LOGIN.
func FromURL(raw string) (*TransportBuilder, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Msg: ErrInvalidURL.Msg, Err: err}
	}

	var (
		mode TLSMode
		port int
	)
	query := u.Query()
	switch u.Scheme {
	case "smtp":
		switch query.Get("tls") {
		case "":
			mode, port = TLSNone, PortSMTP
		case "opportunistic":
			mode, port = TLSOpportunistic, PortSubmission
		case "required":
			mode, port = TLSRequired, PortSubmission
		default:
			return nil, ErrInvalidURL
		}
	case "smtps":
		if query.Has("tls") {
			return nil, ErrInvalidURL
		}
		mode, port = TLSWrapper, PortSubmitTLS
	default:
		return nil, ErrInvalidURL
	}

	host := u.Hostname()
	if host == "" {
		return nil, ErrMissingHost
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, &Error{Kind: KindConnection, Msg: ErrInvalidURL.Msg, Err: err}
		}
		port = n
	}

	b := NewTransportBuilder(host).Port(port)
	if mode != TLSNone {
		params, err := NewTLSParameters(host).Build()
		if err != nil {
			return nil, err
		}
		b.TLS(TLSPolicy{Mode: mode, Params: params})
	}

	if u.User != nil {
		pass, _ := u.User.Password()
		b.Credentials(sasl.NewCredentials(u.User.Username(), pass)).
			Mechanisms(sasl.Plain, sasl.Login)
	}

	if ehlo := query.Get("ehlo"); ehlo != "" {
		b.ClientID(ClientIDDomain(ehlo))
	}
	return b, nil
}
