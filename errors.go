package kestrel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorKind classifies an Error. The kinds do not overlap.
type ErrorKind int

const (
	// KindResponse is a malformed server reply.
	KindResponse ErrorKind = iota + 1
	// KindClient is misuse or a failed precondition detected locally.
	KindClient
	// KindNetwork is a socket I/O failure, including timeouts.
	KindNetwork
	// KindConnection is a failure to resolve or connect, or a bad URL.
	KindConnection
	// KindTLS is a handshake, certificate or TLS configuration failure.
	KindTLS
	// KindTransient is a 4xx server reply.
	KindTransient
	// KindPermanent is a 5xx server reply.
	KindPermanent
	// KindTransportShutdown is a checkout from a pool that was shut down.
	KindTransportShutdown
)

var kindNames = map[ErrorKind]string{
	KindResponse:          "response",
	KindClient:            "client",
	KindNetwork:           "network",
	KindConnection:        "connection",
	KindTLS:               "tls",
	KindTransient:         "transient",
	KindPermanent:         "permanent",
	KindTransportShutdown: "transport shutdown",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned by every operation of this package.
type Error struct {
	Kind ErrorKind
	// Msg describes the failure. Empty for server replies.
	Msg string
	// Response is the server reply for KindTransient, KindPermanent and
	// unexpected-code KindResponse errors.
	Response *Response
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	s := "smtp: " + e.Kind.String() + " error"
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Response != nil {
		s += ": " + e.Response.String()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of this package: a target *Error with the same
// Kind and either no Msg or the same Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Response != nil || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// IsTransient reports a 4xx reply.
func (e *Error) IsTransient() bool { return e.Kind == KindTransient }

// IsPermanent reports a 5xx reply.
func (e *Error) IsPermanent() bool { return e.Kind == KindPermanent }

// IsTLS reports a TLS failure.
func (e *Error) IsTLS() bool { return e.Kind == KindTLS }

// IsTimeout reports an I/O or establishment deadline being exceeded.
func (e *Error) IsTimeout() bool {
	if e.Kind != KindNetwork && e.Kind != KindConnection {
		return false
	}
	return isTimeout(e.Err)
}

// Code returns the reply code carried by the error, if any.
func (e *Error) Code() (ReplyCode, bool) {
	if e.Response == nil {
		return ReplyCode{}, false
	}
	return e.Response.Code, true
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Sentinel errors. Compare with errors.Is.
var (
	ErrTransportShutdown = &Error{Kind: KindTransportShutdown, Msg: "transport shut down"}
	ErrNoMechanism       = &Error{Kind: KindClient, Msg: "no supported AUTH mechanism"}
	ErrMessageTooLarge   = &Error{Kind: KindClient, Msg: "message too large"}
	ErrNoRecipients      = &Error{Kind: KindClient, Msg: "envelope has no recipients"}
	ErrCommandTooLong    = &Error{Kind: KindClient, Msg: "command line too long"}
	ErrCommandLineBreak  = &Error{Kind: KindClient, Msg: "line break in command argument"}
	ErrTLSNotSupported   = &Error{Kind: KindTLS, Msg: "STARTTLS not supported by server"}
	ErrInvalidURL        = &Error{Kind: KindConnection, Msg: "unknown scheme or tls parameter"}
	ErrMissingHost       = &Error{Kind: KindConnection, Msg: "missing host"}
	ErrConnectionClosed  = &Error{Kind: KindClient, Msg: "connection closed"}
)

// IsTransient reports whether err is a 4xx server reply.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsTransient()
}

// IsPermanent reports whether err is a 5xx server reply.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsPermanent()
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsTimeout()
}

// IsTLS reports whether err is a TLS failure.
func IsTLS(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsTLS()
}

// IsShutdown reports whether err comes from a shut down pool.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrTransportShutdown)
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReplyCodeOf returns the reply code carried by err, if any.
func ReplyCodeOf(err error) (ReplyCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return ReplyCode{}, false
}

func clientError(msg string, err error) *Error {
	return &Error{Kind: KindClient, Msg: msg, Err: err}
}

func networkError(msg string, err error) *Error {
	return &Error{Kind: KindNetwork, Msg: msg, Err: err}
}

func connectionError(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Msg: msg, Err: err}
}

func tlsError(msg string, err error) *Error {
	return &Error{Kind: KindTLS, Msg: msg, Err: err}
}

func responseError(msg string, err error) *Error {
	return &Error{Kind: KindResponse, Msg: msg, Err: err}
}

// replyError classifies a reply that is not the one expected: 4xx and 5xx by
// severity, anything else as an unexpected response.
func replyError(resp *Response) *Error {
	switch resp.Code.Severity {
	case TransientNegative:
		return &Error{Kind: KindTransient, Response: resp}
	case PermanentNegative:
		return &Error{Kind: KindPermanent, Response: resp}
	default:
		return &Error{Kind: KindResponse, Msg: "unexpected reply", Response: resp}
	}
}
