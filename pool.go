package kestrel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig contains configuration options for a connection pool.
type PoolConfig struct {
	// MinIdle is the number of idle connections the maintenance task keeps
	// open.
	// Default: 0
	MinIdle int

	// MaxSize bounds both the connections handed out at once and the idle
	// list.
	// Default: 10
	MaxSize int

	// IdleTimeout is how long a connection may stay parked; it is also the
	// maintenance interval.
	// Default: 60 seconds
	IdleTimeout time.Duration

	// ConnectionTimeout bounds a checkout, including waiting for a free slot
	// and establishing a new connection.
	// Default: 30 seconds
	ConnectionTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:           0,
		MaxSize:           10,
		IdleTimeout:       60 * time.Second,
		ConnectionTimeout: 30 * time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	return c
}

// Validate checks min_idle <= max_size and positive durations.
func (c PoolConfig) Validate() error {
	if c.MaxSize < 1 {
		return clientError("pool max size must be at least 1", nil)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxSize {
		return clientError(fmt.Sprintf("pool min idle %d outside 0..%d", c.MinIdle, c.MaxSize), nil)
	}
	if c.IdleTimeout < 0 || c.ConnectionTimeout < 0 {
		return clientError("pool timeouts must not be negative", nil)
	}
	return nil
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Idle    int
	InUse   int
	Created int64
	Closed  int64
}

// parkedConn is an idle connection and the time it was parked.
type parkedConn struct {
	conn  *Connection
	since time.Time
}

// Pool keeps SMTP connections open for reuse. Checkout is LIFO: the most
// recently parked connection is probed with NOOP and handed out first.
//
// The maintenance goroutine only references the pool's internals, so a Pool
// that becomes unreachable stops it; Shutdown remains the way to close the
// parked connections.
type Pool struct {
	*pool
}

type pool struct {
	cfg     PoolConfig
	connect func(ctx context.Context) (*Connection, error)
	logger  *slog.Logger
	metrics *Metrics

	// sem holds one token per handed-out connection.
	sem chan struct{}

	mu     sync.Mutex
	idle   []parkedConn
	closed bool

	done     chan struct{}
	stopOnce sync.Once

	created     atomic.Int64
	closedConns atomic.Int64
}

// NewPool creates a pool of connections opened with client and starts its
// maintenance goroutine. metrics may be nil.
func NewPool(client ClientConfig, cfg PoolConfig, metrics *Metrics) (*Pool, error) {
	if err := client.Validate(); err != nil {
		return nil, err
	}
	return newPool(cfg, client.Logger, metrics, func(ctx context.Context) (*Connection, error) {
		return Connect(ctx, client)
	})
}

func newPool(cfg PoolConfig, logger *slog.Logger, metrics *Metrics, connect func(context.Context) (*Connection, error)) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	inner := &pool{
		cfg:     cfg,
		connect: connect,
		logger:  logger.With(slog.String("component", "pool")),
		metrics: metrics,
		sem:     make(chan struct{}, cfg.MaxSize),
		done:    make(chan struct{}),
	}
	go inner.maintain()

	p := &Pool{inner}
	runtime.AddCleanup(p, func(in *pool) { in.stop() }, inner)
	return p, nil
}

func (p *pool) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// PooledConnection is a connection checked out of a Pool. Release returns
// it; a handle that becomes unreachable without Release is released by a
// cleanup. Every method keeps the handle alive until it returns, so the
// cleanup cannot run while a command is in flight.
type PooledConnection struct {
	conn  *Connection
	lease *lease
}

// lease is the part of a checkout the pool needs back; it is kept apart from
// PooledConnection so a dropped handle can still be released by a cleanup.
type lease struct {
	pool     *pool
	conn     *Connection
	released atomic.Bool
}

// Send runs one mail transaction, see Connection.Send.
func (pc *PooledConnection) Send(ctx context.Context, env Envelope, body []byte) (*SendResult, error) {
	defer runtime.KeepAlive(pc)
	return pc.conn.Send(ctx, env, body)
}

// SendWithOptions runs one mail transaction, see Connection.SendWithOptions.
func (pc *PooledConnection) SendWithOptions(ctx context.Context, env Envelope, body io.Reader, opts SendOptions) (*SendResult, error) {
	defer runtime.KeepAlive(pc)
	return pc.conn.SendWithOptions(ctx, env, body, opts)
}

// TestConnected sends NOOP.
func (pc *PooledConnection) TestConnected(ctx context.Context) error {
	defer runtime.KeepAlive(pc)
	return pc.conn.TestConnected(ctx)
}

// Reset sends RSET.
func (pc *PooledConnection) Reset(ctx context.Context) error {
	defer runtime.KeepAlive(pc)
	return pc.conn.Reset(ctx)
}

// Abort closes the socket; Release then discards the connection.
func (pc *PooledConnection) Abort() {
	defer runtime.KeepAlive(pc)
	pc.conn.Abort()
}

func (pc *PooledConnection) ID() string { return pc.conn.ID() }
func (pc *PooledConnection) ServerInfo() *ServerInfo { return pc.conn.ServerInfo() }
func (pc *PooledConnection) State() ConnectionState { return pc.conn.State() }
func (pc *PooledConnection) HasBroken() bool { return pc.conn.HasBroken() }
func (pc *PooledConnection) IsEncrypted() bool { return pc.conn.IsEncrypted() }
func (pc *PooledConnection) IsAuthenticated() bool { return pc.conn.IsAuthenticated() }
func (pc *PooledConnection) PeerAddr() net.Addr { return pc.conn.PeerAddr() }

// Release parks the connection for reuse, or aborts it when it is broken,
// the idle list is full or the pool was shut down. Calling Release more
// than once has no effect.
func (pc *PooledConnection) Release() {
	pc.lease.release()
}

func (l *lease) release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.put(l.conn)
	<-l.pool.sem
	l.pool.metrics.setInUse(len(l.pool.sem))
}

// Get checks out a connection: a parked one that answers NOOP, or a new
// one. It waits at most ConnectionTimeout for a free slot and establishment.
func (p *Pool) Get(ctx context.Context) (*PooledConnection, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	if p.isClosed() {
		return nil, ErrTransportShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, networkError("waiting for a pooled connection", ctx.Err())
	}
	p.metrics.setInUse(len(p.sem))

	conn, err := p.checkout(ctx)
	if err != nil {
		<-p.sem
		p.metrics.setInUse(len(p.sem))
		return nil, err
	}
	p.metrics.observeCheckout(time.Since(start).Seconds())

	l := &lease{pool: p.pool, conn: conn}
	pc := &PooledConnection{conn: conn, lease: l}
	runtime.AddCleanup(pc, func(l *lease) { l.release() }, l)
	return pc, nil
}

func (p *pool) checkout(ctx context.Context) (*Connection, error) {
	for {
		pc, ok, closed := p.popIdle()
		if closed {
			return nil, ErrTransportShutdown
		}
		if !ok {
			break
		}
		if err := pc.conn.TestConnected(ctx); err == nil {
			return pc.conn, nil
		}
		p.logger.Debug("parked connection failed probe", slog.String("conn_id", pc.conn.ID()))
		p.discard(pc.conn, closeReasonProbe)
	}

	conn, err := p.connect(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
			return nil, networkError("establishing a pooled connection", ctx.Err())
		}
		return nil, err
	}
	p.created.Add(1)
	p.metrics.connCreated()
	return conn, nil
}

// popIdle takes the newest parked connection.
func (p *pool) popIdle() (parkedConn, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return parkedConn{}, false, true
	}
	n := len(p.idle)
	if n == 0 {
		return parkedConn{}, false, false
	}
	pc := p.idle[n-1]
	p.idle[n-1] = parkedConn{}
	p.idle = p.idle[:n-1]
	p.metrics.setIdle(len(p.idle))
	return pc, true, false
}

func (p *pool) put(conn *Connection) {
	p.mu.Lock()
	var reason string
	switch {
	case p.closed:
		reason = closeReasonShutdown
	case conn.HasBroken():
		reason = closeReasonBroken
	case len(p.idle) >= p.cfg.MaxSize:
		reason = closeReasonFull
	default:
		p.idle = append(p.idle, parkedConn{conn: conn, since: time.Now()})
		p.metrics.setIdle(len(p.idle))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(conn, reason)
}

func (p *pool) discard(conn *Connection, reason string) {
	conn.Abort()
	p.closedConns.Add(1)
	p.metrics.connClosed(reason)
}

func (p *pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// maintain reaps expired idle connections and refills to MinIdle every
// IdleTimeout until the pool is stopped.
func (p *pool) maintain() {
	p.refill()

	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
			p.refill()
		}
	}
}

func (p *pool) reap() {
	now := time.Now()

	p.mu.Lock()
	var expired []parkedConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if now.Sub(pc.since) > p.cfg.IdleTimeout {
			expired = append(expired, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.metrics.setIdle(len(p.idle))
	p.mu.Unlock()

	for _, pc := range expired {
		p.discard(pc.conn, closeReasonIdle)
	}
	if len(expired) > 0 {
		p.logger.Debug("reaped idle connections", slog.Int("count", len(expired)))
	}
}

func (p *pool) refill() {
	for {
		p.mu.Lock()
		missing := p.cfg.MinIdle - len(p.idle)
		closed := p.closed
		p.mu.Unlock()
		if closed || missing <= 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		conn, err := p.connect(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("refilling pool failed", slog.Any("error", err))
			return
		}
		p.created.Add(1)
		p.metrics.connCreated()

		p.mu.Lock()
		if p.closed || len(p.idle) >= p.cfg.MaxSize {
			p.mu.Unlock()
			p.discard(conn, closeReasonFull)
			return
		}
		p.idle = append(p.idle, parkedConn{conn: conn, since: time.Now()})
		p.metrics.setIdle(len(p.idle))
		p.mu.Unlock()
		p.logger.Debug("refilled pool", slog.String("conn_id", conn.ID()))
	}
}

// Shutdown closes the pool: later checkouts fail with ErrTransportShutdown,
// connections released later are aborted, and every parked connection is
// sent QUIT. QUIT failures are ignored.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	drained := p.idle
	p.idle = nil
	p.metrics.setIdle(0)
	p.mu.Unlock()

	p.stop()

	for _, pc := range drained {
		if err := pc.conn.Quit(ctx); err != nil {
			p.logger.Debug("QUIT during shutdown failed",
				slog.String("conn_id", pc.conn.ID()),
				slog.Any("error", err),
			)
		}
		p.closedConns.Add(1)
		p.metrics.connClosed(closeReasonShutdown)
	}
	p.logger.Info("pool shut down", slog.Int("closed", len(drained)))
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return PoolStats{
		Idle:    idle,
		InUse:   len(p.sem),
		Created: p.created.Load(),
		Closed:  p.closedConns.Load(),
	}
}
