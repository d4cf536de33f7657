package kestrel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
	"github.com/synqronlabs/kestrel/utils"
)

// Transport submits messages to one server, over a new connection per
// message or through a Pool.
type Transport struct {
	cfg     ClientConfig
	pool    *Pool
	metrics *Metrics
	logger  *slog.Logger
}

// SendRaw submits body, a complete message with CRLF line endings, and
// returns the server's final reply with the per-recipient results.
func (t *Transport) SendRaw(ctx context.Context, env Envelope, body []byte) (*SendResult, error) {
	return t.SendWithOptions(ctx, env, bytes.NewReader(body), SendOptions{
		Size:     int64(len(body)),
		EightBit: utils.ContainsNonASCIIBytes(body),
	})
}

// Send streams a body of unknown length. No SIZE parameter is sent and
// BODY=8BITMIME is not requested; use SendWithOptions to set either.
func (t *Transport) Send(ctx context.Context, env Envelope, body io.Reader) (*SendResult, error) {
	return t.SendWithOptions(ctx, env, body, SendOptions{Size: -1})
}

// SendWithOptions submits body with explicit options.
func (t *Transport) SendWithOptions(ctx context.Context, env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	var (
		result *SendResult
		err    error
	)
	if t.pool != nil {
		result, err = t.sendPooled(ctx, env, body, opts)
	} else {
		result, err = t.sendOnce(ctx, env, body, opts)
	}
	t.metrics.messageResult(err)
	return result, err
}

func (t *Transport) sendOnce(ctx context.Context, env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	conn, err := Connect(ctx, t.cfg)
	if err != nil {
		return nil, err
	}

	result, err := conn.SendWithOptions(ctx, env, body, opts)
	if conn.State() == BrokenConnection {
		conn.Abort()
		return result, err
	}
	if qerr := conn.Quit(ctx); qerr != nil {
		t.logger.Debug("QUIT failed",
			slog.String("conn_id", conn.ID()),
			slog.Any("error", qerr),
		)
	}
	return result, err
}

func (t *Transport) sendPooled(ctx context.Context, env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	pc, err := t.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer pc.Release()
	return pc.SendWithOptions(ctx, env, body, opts)
}

// TestConnection checks that a session can be opened and answers NOOP.
func (t *Transport) TestConnection(ctx context.Context) error {
	if t.pool != nil {
		pc, err := t.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer pc.Release()
		return pc.TestConnected(ctx)
	}

	conn, err := Connect(ctx, t.cfg)
	if err != nil {
		return err
	}
	if err := conn.TestConnected(ctx); err != nil {
		conn.Abort()
		return err
	}
	return conn.Quit(ctx)
}

// Close shuts the pool down, if there is one.
func (t *Transport) Close(ctx context.Context) error {
	if t.pool == nil {
		return nil
	}
	return t.pool.Shutdown(ctx)
}

// Pool returns the transport's pool, or nil when pooling is off.
func (t *Transport) Pool() *Pool { return t.pool }

// Config returns the client configuration connections are opened with.
func (t *Transport) Config() ClientConfig { return t.cfg }

// TransportBuilder configures a Transport.
type TransportBuilder struct {
	cfg     ClientConfig
	pool    *PoolConfig
	metrics *Metrics
}

// NewTransportBuilder starts a builder for host with no TLS on port 25.
func NewTransportBuilder(host string) *TransportBuilder {
	return &TransportBuilder{cfg: DefaultClientConfig(host)}
}

// Relay returns a builder for host using TLS from the first byte on port 465.
func Relay(host string) (*TransportBuilder, error) {
	params, err := NewTLSParameters(host).Build()
	if err != nil {
		return nil, err
	}
	return NewTransportBuilder(host).
		Port(PortSubmitTLS).
		TLS(TLSPolicy{Mode: TLSWrapper, Params: params}), nil
}

// StartTLSRelay returns a builder for host requiring STARTTLS on port 587.
func StartTLSRelay(host string) (*TransportBuilder, error) {
	params, err := NewTLSParameters(host).Build()
	if err != nil {
		return nil, err
	}
	return NewTransportBuilder(host).
		Port(PortSubmission).
		TLS(TLSPolicy{Mode: TLSRequired, Params: params}), nil
}

// UnencryptedLocalhost returns a builder for localhost:25 without TLS.
func UnencryptedLocalhost() *TransportBuilder {
	return NewTransportBuilder("localhost")
}

// Port sets the server port.
func (b *TransportBuilder) Port(port int) *TransportBuilder {
	b.cfg.Port = port
	return b
}

// TLS sets the TLS policy.
func (b *TransportBuilder) TLS(policy TLSPolicy) *TransportBuilder {
	b.cfg.TLS = policy
	return b
}

// Credentials enables AUTH.
func (b *TransportBuilder) Credentials(creds sasl.Credentials) *TransportBuilder {
	b.cfg.Credentials = &creds
	return b
}

// Mechanisms sets the AUTH preference order.
func (b *TransportBuilder) Mechanisms(mechs ...sasl.Mechanism) *TransportBuilder {
	b.cfg.Mechanisms = mechs
	return b
}

// ClientID sets the EHLO argument.
func (b *TransportBuilder) ClientID(id ClientID) *TransportBuilder {
	b.cfg.ClientID = id
	return b
}

// Timeout sets the connection, read and write timeouts at once.
func (b *TransportBuilder) Timeout(d time.Duration) *TransportBuilder {
	b.cfg.ConnectionTimeout = d
	b.cfg.ReadTimeout = d
	b.cfg.WriteTimeout = d
	return b
}

// Pool enables connection pooling.
func (b *TransportBuilder) Pool(cfg PoolConfig) *TransportBuilder {
	b.pool = &cfg
	return b
}

// Logger sets the logger.
func (b *TransportBuilder) Logger(logger *slog.Logger) *TransportBuilder {
	b.cfg.Logger = logger
	return b
}

// Resolver sets the resolver used for the server name.
func (b *TransportBuilder) Resolver(r dns.Resolver) *TransportBuilder {
	b.cfg.Resolver = r
	return b
}

// DialContext replaces the TCP dialer.
func (b *TransportBuilder) DialContext(fn DialContextFunc) *TransportBuilder {
	b.cfg.DialContext = fn
	return b
}

// LocalAddr sets the local address to dial from.
func (b *TransportBuilder) LocalAddr(addr string) *TransportBuilder {
	b.cfg.LocalAddr = addr
	return b
}

// Metrics enables Prometheus collection.
func (b *TransportBuilder) Metrics(m *Metrics) *TransportBuilder {
	b.metrics = m
	return b
}

// ClientConfig returns the configuration built so far.
func (b *TransportBuilder) ClientConfig() ClientConfig {
	return b.cfg
}

// Build validates the settings and returns the Transport. With pooling on,
// the pool's maintenance goroutine starts here.
func (b *TransportBuilder) Build() (*Transport, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	logger := b.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{cfg: b.cfg, metrics: b.metrics, logger: logger}
	if b.pool != nil {
		p, err := NewPool(b.cfg, *b.pool, b.metrics)
		if err != nil {
			return nil, err
		}
		t.pool = p
	}
	return t, nil
}
