package kestrel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	kestrelio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/utils"
)

// SessionState is the position of a connection in the SMTP dialogue
// (RFC 5321 section 4.1.4).
type SessionState int

const (
	StateUnconnected SessionState = iota
	StateConnected
	StateHelloSent
	StateTLSNegotiated
	StateAuthSent
	StateMailSent
	StateRecipientSent
	StateDataSent
	StateBodySent
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateHelloSent:
		return "HELLO_SENT"
	case StateTLSNegotiated:
		return "TLS_NEGOTIATED"
	case StateAuthSent:
		return "AUTH_SENT"
	case StateMailSent:
		return "MAIL_SENT"
	case StateRecipientSent:
		return "RECIPIENT_SENT"
	case StateDataSent:
		return "DATA_SENT"
	case StateBodySent:
		return "BODY_SENT"
	default:
		return "UNKNOWN"
	}
}

// ConnectionState tracks the I/O health of a connection.
type ConnectionState int

const (
	// ProbablyConnected: the last reply was the expected one.
	ProbablyConnected ConnectionState = iota
	// Writing: a command was sent and its reply is outstanding.
	Writing
	// BrokenResponse: a reply was malformed or unexpected. The socket may
	// still be closed gracefully.
	BrokenResponse
	// BrokenConnection: an I/O error occurred. The connection must be
	// discarded.
	BrokenConnection
)

func (s ConnectionState) String() string {
	switch s {
	case ProbablyConnected:
		return "probably connected"
	case Writing:
		return "writing"
	case BrokenResponse:
		return "broken response"
	case BrokenConnection:
		return "broken connection"
	default:
		return "unknown"
	}
}

// Connection is one SMTP session with a server. It is owned by a single
// caller at a time and is not safe for concurrent use.
type Connection struct {
	id     string
	cfg    ClientConfig
	stream *Stream
	logger *slog.Logger

	info          *ServerInfo
	session       SessionState
	health        ConnectionState
	authenticated bool
	closed        bool

	createdAt time.Time
}

// Connect dials the server described by cfg and runs the opening of the
// session: banner, EHLO (or HELO), TLS according to cfg.TLS, and AUTH when
// credentials are configured. The returned connection is ready for Send.
func Connect(ctx context.Context, cfg ClientConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	conn, err := dial(dialCtx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.TLS.Mode == TLSWrapper {
		params, err := cfg.TLS.params(cfg.Host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		tlsCfg, err := params.Config()
		if err != nil {
			conn.Close()
			return nil, err
		}
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, tlsError("handshake failed", err)
		}
		conn = tc
	}

	return open(ctx, NewStream(conn), cfg)
}

// ConnectStream runs the opening of the session over an existing stream,
// typically one from NewMockStream. cfg.Host, the resolver and the dial
// settings are not used for connecting.
func ConnectStream(ctx context.Context, stream *Stream, cfg ClientConfig) (*Connection, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return open(ctx, stream, cfg.withDefaults())
}

func dial(ctx context.Context, cfg ClientConfig) (net.Conn, error) {
	host := cfg.Host
	if cfg.Resolver != nil {
		ip, err := dns.ResolveHost(ctx, cfg.Resolver, cfg.Host)
		if err != nil {
			return nil, connectionError("resolving "+cfg.Host, err)
		}
		host = ip.String()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	dialFn := cfg.DialContext
	if dialFn == nil {
		d := &net.Dialer{}
		if cfg.LocalAddr != "" {
			local, err := net.ResolveTCPAddr("tcp", cfg.LocalAddr)
			if err != nil {
				return nil, connectionError("invalid local address", err)
			}
			d.LocalAddr = local
		}
		dialFn = d.DialContext
	}

	conn, err := dialFn(ctx, "tcp", addr)
	if err != nil {
		return nil, connectionError("dialing "+addr, err)
	}
	return conn, nil
}

func open(ctx context.Context, stream *Stream, cfg ClientConfig) (*Connection, error) {
	stream.SetReadTimeout(cfg.ReadTimeout)
	stream.SetWriteTimeout(cfg.WriteTimeout)

	id := utils.NewID()
	c := &Connection{
		id:        id,
		cfg:       cfg,
		stream:    stream,
		session:   StateUnconnected,
		createdAt: time.Now(),
		logger: cfg.Logger.With(
			slog.String("conn_id", id),
			slog.String("peer", stream.PeerAddr().String()),
		),
	}

	if err := c.handshake(ctx); err != nil {
		c.Abort()
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake(ctx context.Context) error {
	release := c.stream.bind(ctx)
	defer release()

	banner, err := c.readReply()
	if err != nil {
		return err
	}
	if !banner.Is(CodeServiceReady) {
		c.health = BrokenResponse
		return replyError(banner)
	}
	c.health = ProbablyConnected
	c.session = StateConnected

	c.logger.Info("connection established",
		slog.String("server", banner.FirstWord()),
		slog.Bool("tls", c.stream.IsEncrypted()),
	)

	if err := c.hello(); err != nil {
		return err
	}

	switch c.cfg.TLS.Mode {
	case TLSRequired:
		if !c.info.Supports(StartTLS) {
			return ErrTLSNotSupported
		}
		if err := c.startTLS(ctx); err != nil {
			return err
		}
	case TLSOpportunistic:
		if c.info.Supports(StartTLS) {
			if err := c.startTLS(ctx); err != nil {
				return err
			}
		}
	}

	if c.cfg.Credentials != nil {
		if err := c.authenticate(*c.cfg.Credentials, c.cfg.Mechanisms); err != nil {
			return err
		}
	}
	return nil
}

// hello sends EHLO and falls back to HELO when the server rejects it
// permanently. After HELO no extension is known.
func (c *Connection) hello() error {
	resp, err := c.roundTrip(EhloCommand(c.cfg.ClientID))
	if err != nil {
		return err
	}
	if resp.Is(CodeOK) {
		c.info = ParseServerInfo(resp)
		c.session = StateHelloSent
		return nil
	}
	if resp.Code.Severity != PermanentNegative {
		c.health = BrokenResponse
		return replyError(resp)
	}

	c.logger.Debug("EHLO rejected, falling back to HELO", slog.String("code", resp.Code.String()))
	resp, err = c.command(HeloCommand(c.cfg.ClientID), CodeOK)
	if err != nil {
		return err
	}
	c.info = heloServerInfo(resp)
	c.session = StateHelloSent
	return nil
}

func (c *Connection) startTLS(ctx context.Context) error {
	params, err := c.cfg.TLS.params(c.cfg.Host)
	if err != nil {
		return err
	}
	if _, err := c.command(CmdStartTLS, CodeServiceReady); err != nil {
		return err
	}
	if err := c.stream.Upgrade(ctx, params); err != nil {
		c.health = BrokenConnection
		return err
	}
	c.session = StateTLSNegotiated

	attrs := []any{}
	if cs, ok := c.stream.TLSConnectionState(); ok {
		attrs = append(attrs,
			slog.String("version", tls.VersionName(cs.Version)),
			slog.String("cipher", tls.CipherSuiteName(cs.CipherSuite)),
		)
	}
	c.logger.Info("TLS upgraded", attrs...)

	return c.hello()
}

// send writes one command line and flushes it.
func (c *Connection) send(cmd Command) error {
	if c.closed {
		return ErrConnectionClosed
	}
	wire, err := cmd.Wire()
	if err != nil {
		return err
	}

	c.health = Writing
	c.logger.Debug("C: " + cmd.String())

	if _, err := c.stream.Write(wire); err != nil {
		c.health = BrokenConnection
		return networkError("writing command", err)
	}
	if err := c.stream.Flush(); err != nil {
		c.health = BrokenConnection
		return networkError("writing command", err)
	}
	return nil
}

// readReply reads one reply. Any well-formed reply leaves the connection
// ProbablyConnected; callers mark unexpected codes themselves.
func (c *Connection) readReply() (*Response, error) {
	codeText, lines, err := kestrelio.ReadReply(c.stream.reader(), kestrelio.MaxReplyLine)
	if err != nil {
		if kestrelio.IsMalformed(err) {
			c.health = BrokenResponse
			return nil, responseError("malformed reply", err)
		}
		c.health = BrokenConnection
		return nil, networkError("reading reply", err)
	}

	code, err := ParseReplyCode(codeText)
	if err != nil {
		c.health = BrokenResponse
		return nil, responseError("malformed reply", err)
	}
	resp := &Response{Code: code, Lines: lines}

	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		for i, line := range lines {
			sep := " "
			if i < len(lines)-1 {
				sep = "-"
			}
			c.logger.Debug("S: " + codeText + sep + line)
		}
	}

	c.health = ProbablyConnected
	return resp, nil
}

// roundTrip sends cmd and reads its reply without judging the code.
func (c *Connection) roundTrip(cmd Command) (*Response, error) {
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	return c.readReply()
}

// command sends cmd and requires one of the expected codes.
func (c *Connection) command(cmd Command, expect ...Code) (*Response, error) {
	resp, err := c.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Is(expect...) {
		c.health = BrokenResponse
		return resp, replyError(resp)
	}
	return resp, nil
}

// TestConnected sends NOOP. Any 2xx reply means the connection is usable.
func (c *Connection) TestConnected(ctx context.Context) error {
	release := c.stream.bind(ctx)
	defer release()

	resp, err := c.roundTrip(CmdNoop)
	if err != nil {
		return err
	}
	if !resp.IsPositive() {
		c.health = BrokenResponse
		return replyError(resp)
	}
	return nil
}

// Reset sends RSET, abandoning any transaction in progress.
func (c *Connection) Reset(ctx context.Context) error {
	release := c.stream.bind(ctx)
	defer release()
	return c.reset()
}

func (c *Connection) reset() error {
	if _, err := c.command(CmdRset, CodeOK); err != nil {
		return err
	}
	c.session = StateHelloSent
	return nil
}

// Quit sends QUIT, expects 221 and closes the socket. The socket is closed
// even when the server does not answer as expected.
func (c *Connection) Quit(ctx context.Context) error {
	if c.closed {
		return nil
	}
	release := c.stream.bind(ctx)
	_, err := c.command(CmdQuit, CodeServiceClosing)
	release()

	c.closed = true
	c.session = StateUnconnected
	c.stream.Shutdown()
	c.logger.Debug("connection closed")
	return err
}

// Abort closes the socket without QUIT. It never fails.
func (c *Connection) Abort() {
	if c.closed {
		return
	}
	c.closed = true
	c.health = BrokenConnection
	c.session = StateUnconnected
	c.stream.Shutdown()
	c.logger.Debug("connection aborted")
}

// HasBroken reports whether the connection should be discarded rather than
// reused.
func (c *Connection) HasBroken() bool {
	return c.closed || c.health != ProbablyConnected
}

// ID is the identifier used in this connection's log events.
func (c *Connection) ID() string { return c.id }

// ServerInfo returns what the server announced in its latest greeting reply.
func (c *Connection) ServerInfo() *ServerInfo { return c.info }

// State returns the I/O health of the connection.
func (c *Connection) State() ConnectionState { return c.health }

// Session returns the position in the SMTP dialogue.
func (c *Connection) Session() SessionState { return c.session }

// IsEncrypted reports whether TLS is active.
func (c *Connection) IsEncrypted() bool { return c.stream.IsEncrypted() }

// IsAuthenticated reports whether AUTH succeeded.
func (c *Connection) IsAuthenticated() bool { return c.authenticated }

// PeerAddr returns the server address.
func (c *Connection) PeerAddr() net.Addr { return c.stream.PeerAddr() }

// CreatedAt returns when the connection was opened.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Probe connects, reads the server's capabilities (after STARTTLS when the
// policy asks for it) and quits without authenticating or sending mail.
func Probe(ctx context.Context, cfg ClientConfig) (*ServerInfo, error) {
	cfg.Credentials = nil
	c, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	info := c.ServerInfo()
	if err := c.Quit(ctx); err != nil {
		c.logger.Debug("QUIT after probe failed", slog.Any("error", err))
	}
	return info, nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id: %s, peer: %v, session: %v, state: %v}", c.id, c.PeerAddr(), c.session, c.health)
}
