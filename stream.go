package kestrel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// StreamKind is the transport under a Stream.
type StreamKind int

const (
	StreamPlain StreamKind = iota
	StreamTLS
	StreamMock
)

func (k StreamKind) String() string {
	switch k {
	case StreamPlain:
		return "plain"
	case StreamTLS:
		return "tls"
	case StreamMock:
		return "mock"
	}
	return "unknown"
}

// Stream is a buffered, deadline-aware byte stream to the server. Every read
// and write first sets a socket deadline from the configured timeout,
// tightened by the deadline of the context bound with bind. Cancelling that
// context unblocks a pending read or write.
//
// A Stream is not safe for concurrent use apart from the cancellation path.
type Stream struct {
	kind StreamKind
	r    *bufio.Reader
	w    *bufio.Writer

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex // guards the fields below against the context watcher
	conn      net.Conn
	deadline  time.Time
	cancelled error
	closed    bool
}

// NewStream wraps conn. A *tls.Conn gives a StreamTLS stream.
func NewStream(conn net.Conn) *Stream {
	kind := StreamPlain
	if _, ok := conn.(*tls.Conn); ok {
		kind = StreamTLS
	}
	return newStream(conn, kind)
}

func newStream(conn net.Conn, kind StreamKind) *Stream {
	s := &Stream{conn: conn, kind: kind}
	s.r = bufio.NewReader(deadlineReader{s})
	s.w = bufio.NewWriter(deadlineWriter{s})
	return s
}

// bind makes ctx govern the I/O that follows until the returned function is
// called. A context that is already done fails the next operation.
func (s *Stream) bind(ctx context.Context) (release func()) {
	s.mu.Lock()
	s.cancelled = nil
	if ctx.Err() != nil {
		s.cancelled = context.Cause(ctx)
	}
	s.deadline, _ = ctx.Deadline()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cancelled = context.Cause(ctx)
		s.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		s.mu.Lock()
		s.deadline = time.Time{}
		s.mu.Unlock()
	}
}

// nextDeadline returns the deadline for an operation with timeout d.
func (s *Stream) nextDeadline(d time.Duration) time.Time {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	if !s.deadline.IsZero() && (t.IsZero() || s.deadline.Before(t)) {
		t = s.deadline
	}
	return t
}

type deadlineReader struct{ s *Stream }

func (d deadlineReader) Read(p []byte) (int, error) {
	s := d.s
	s.mu.Lock()
	if s.cancelled != nil {
		err := s.cancelled
		s.mu.Unlock()
		return 0, err
	}
	conn := s.conn
	conn.SetReadDeadline(s.nextDeadline(s.readTimeout))
	s.mu.Unlock()

	n, err := conn.Read(p)
	if err != nil {
		err = s.cancelCause(err)
	}
	return n, err
}

type deadlineWriter struct{ s *Stream }

func (d deadlineWriter) Write(p []byte) (int, error) {
	s := d.s
	s.mu.Lock()
	if s.cancelled != nil {
		err := s.cancelled
		s.mu.Unlock()
		return 0, err
	}
	conn := s.conn
	conn.SetWriteDeadline(s.nextDeadline(s.writeTimeout))
	s.mu.Unlock()

	n, err := conn.Write(p)
	if err != nil {
		err = s.cancelCause(err)
	}
	return n, err
}

// cancelCause replaces a deadline error caused by cancellation with the
// context's error.
func (s *Stream) cancelCause(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled != nil {
		return s.cancelled
	}
	return err
}

// Read reads buffered server bytes.
func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Write buffers p; call Flush to send it.
func (s *Stream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Flush sends buffered bytes.
func (s *Stream) Flush() error {
	return s.w.Flush()
}

func (s *Stream) reader() *bufio.Reader { return s.r }

// PeerAddr returns the server address.
func (s *Stream) PeerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local end of the connection.
func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.LocalAddr()
}

// SetReadTimeout sets the per-read timeout. Zero means none.
func (s *Stream) SetReadTimeout(d time.Duration) { s.readTimeout = d }

// SetWriteTimeout sets the per-write timeout. Zero means none.
func (s *Stream) SetWriteTimeout(d time.Duration) { s.writeTimeout = d }

// Kind returns the stream kind.
func (s *Stream) Kind() StreamKind { return s.kind }

// IsEncrypted reports whether TLS is active.
func (s *Stream) IsEncrypted() bool { return s.kind == StreamTLS }

// TLSConnectionState returns the handshake state of a TLS stream.
func (s *Stream) TLSConnectionState() (tls.ConnectionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Upgrade performs a TLS client handshake over a plain stream and replaces
// the buffered reader and writer. It does nothing on TLS and mock streams.
// Server bytes already buffered before the handshake are a protocol
// violation and fail the upgrade.
func (s *Stream) Upgrade(ctx context.Context, params *TLSParameters) error {
	if s.kind != StreamPlain {
		return nil
	}
	if s.r.Buffered() > 0 {
		return tlsError("server sent data before the TLS handshake", nil)
	}

	cfg, err := params.Config()
	if err != nil {
		return err
	}

	s.mu.Lock()
	tc := tls.Client(s.conn, cfg)
	s.mu.Unlock()

	// The handshake runs outside the deadline wrappers, so clear any
	// deadline left by the previous operation and rely on ctx.
	tc.SetDeadline(time.Time{})
	if err := tc.HandshakeContext(ctx); err != nil {
		return tlsError("handshake failed", err)
	}

	s.mu.Lock()
	s.conn = tc
	s.kind = StreamTLS
	s.mu.Unlock()
	s.r = bufio.NewReader(deadlineReader{s})
	s.w = bufio.NewWriter(deadlineWriter{s})
	return nil
}

// Shutdown closes the connection. It is safe to call more than once.
func (s *Stream) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// MockConn is an in-memory net.Conn for scripted sessions. Reads return the
// fed server bytes and then io.EOF; writes are recorded. Deadlines are
// accepted and ignored.
type MockConn struct {
	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	closed  bool
	readErr error
}

// Feed appends server bytes.
func (m *MockConn) Feed(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.in.WriteString(s)
}

// FailReads makes reads fail with err once the fed bytes are consumed.
func (m *MockConn) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Written returns everything the client wrote so far.
func (m *MockConn) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out.String()
}

// Closed reports whether Close was called.
func (m *MockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var errMockClosed = errors.New("mock connection closed")

func (m *MockConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.in.Len() == 0 {
		if m.readErr != nil {
			return 0, m.readErr
		}
		return 0, io.EOF
	}
	return m.in.Read(p)
}

func (m *MockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errMockClosed
	}
	return m.out.Write(p)
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 49152}
}

func (m *MockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 25}
}

func (m *MockConn) SetDeadline(time.Time) error      { return nil }
func (m *MockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *MockConn) SetWriteDeadline(time.Time) error { return nil }

// NewMockStream returns a mock stream preloaded with the server transcript
// script, and the MockConn behind it.
func NewMockStream(script string) (*Stream, *MockConn) {
	mc := &MockConn{}
	mc.Feed(script)
	return newStream(mc, StreamMock), mc
}
