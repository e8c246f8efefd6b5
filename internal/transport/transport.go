// Package transport establishes the secure byte stream every network
// task rides on: a TCP connection, optionally wrapped in a TLS 1.3
// session with fixed working-buffer contracts.
//
// The buffer contracts come from the device's memory budget: the TLS
// working buffers are sized to hold exactly one full handshake record
// set. A peer whose certificate chain does not fit must fail
// deterministically with [ErrBufferBudget], never by silent truncation.
// Similarly the cipher suite is pinned to the one 128-bit-key /
// 256-bit-hash combination the buffers were sized for; larger-hash
// suites would overflow the budget.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/state"
)

const (
	// BufferBudget is the fixed TLS working-buffer size in bytes: one
	// maximum TLS record plus processing overhead.
	BufferBudget = 16640

	// handshakeOverhead reserves room within the budget for the
	// non-certificate handshake messages (hello, key share, finished).
	handshakeOverhead = 2048

	// MaxChainBytes bounds the peer's DER certificate chain so the
	// whole handshake flight fits the working buffer.
	MaxChainBytes = BufferBudget - handshakeOverhead

	// DialTimeout bounds TCP connect plus TLS handshake, and each
	// subsequent write on the session.
	DialTimeout = 30 * time.Second

	// readIdleTimeout bounds each read. It is deliberately longer than
	// the MQTT keepalive interval so an idle but healthy session is not
	// torn down between broker pings.
	readIdleTimeout = 90 * time.Second
)

// ErrBufferBudget is returned when the peer's handshake does not fit
// the fixed working buffers.
var ErrBufferBudget = errors.New("handshake certificate chain exceeds working buffer budget")

// ErrCipherSuite is returned when the negotiated suite is not the
// pinned AES-128-GCM-SHA256.
var ErrCipherSuite = errors.New("negotiated cipher suite violates buffer contract (want TLS_AES_128_GCM_SHA256)")

// FatalError wraps failures that will not resolve by retrying: a
// rejected certificate, unsupported parameters, an oversized chain.
// The owning task logs these and idles instead of reconnecting.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a handshake-level failure requiring a
// configuration fix rather than a reconnect.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Dialer produces secure sessions to one or more endpoints with the
// configured security mode. A Dialer is safe for concurrent use; each
// Dial mirrors its progress into the supplied TLS state cell, so tasks
// that need their own session lifecycle should own their own cell.
type Dialer struct {
	security string
	tlsBase  *tls.Config // template, nil when security=plain
	cell     *state.Cell[state.TLSState]
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDialer builds a dialer from the validated configuration. The TLS
// material errors here only if config validation was skipped.
func NewDialer(cfg *config.Config, cell *state.Cell[state.TLSState], logger *slog.Logger) (*Dialer, error) {
	d := &Dialer{
		security: cfg.Security,
		cell:     cell,
		logger:   logger,
		timeout:  DialTimeout,
	}

	if cfg.Security == config.SecurityPlain {
		return d, nil
	}

	pool, err := cfg.CAPool()
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
		// crypto/tls chooses TLS 1.3 suites itself; the pin is
		// enforced after the handshake in Dial.
		VerifyPeerCertificate: checkChainBudget,
	}

	if cfg.Security == config.SecurityMTLS {
		cert, err := cfg.ClientCertificate()
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	d.tlsBase = tc
	return d, nil
}

// checkChainBudget rejects peer chains that would overflow the fixed
// handshake buffers. rawCerts carries the DER bytes exactly as they
// crossed the wire, which is the size that matters.
func checkChainBudget(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return chainWithinBudget(rawCerts)
}

func chainWithinBudget(rawCerts [][]byte) error {
	total := 0
	for _, der := range rawCerts {
		total += len(der)
	}
	if total > MaxChainBytes {
		return fmt.Errorf("%w: chain is %d bytes, budget %d", ErrBufferBudget, total, MaxChainBytes)
	}
	return nil
}

// Dial connects to host:port and, unless running plain, completes a
// TLS 1.3 handshake. Consumers never see a partially-handshaked
// session: the return is an established connection or an error.
// Errors satisfying [IsFatal] must not be retried automatically.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.setState(state.TLSHandshaking)

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.setState(state.TLSFailed)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if d.security == config.SecurityPlain {
		d.setState(state.TLSEstablished)
		d.logger.Debug("plain transport connected", "addr", addr)
		return d.wrap(raw), nil
	}

	tc := d.tlsBase.Clone()
	tc.ServerName = host

	conn := tls.Client(raw, tc)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		d.setState(state.TLSFailed)
		return nil, classifyHandshake(addr, err)
	}

	if suite := conn.ConnectionState().CipherSuite; suite != tls.TLS_AES_128_GCM_SHA256 {
		conn.Close()
		d.setState(state.TLSFailed)
		return nil, &FatalError{Err: fmt.Errorf("%s: %w (got %s)", addr, ErrCipherSuite, tls.CipherSuiteName(suite))}
	}

	d.setState(state.TLSEstablished)
	d.logger.Debug("tls session established",
		"addr", addr, "suite", tls.CipherSuiteName(conn.ConnectionState().CipherSuite))
	return d.wrap(conn), nil
}

// classifyHandshake splits handshake failures into retryable transport
// trouble and fatal parameter/certificate rejections.
func classifyHandshake(addr string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	return &FatalError{Err: fmt.Errorf("handshake %s: %w", addr, err)}
}

func (d *Dialer) setState(s state.TLSState) {
	if d.cell != nil {
		d.cell.Set(s)
	}
}

// wrap applies per-operation deadlines and returns the cell to Closed
// when the session ends.
func (d *Dialer) wrap(c net.Conn) net.Conn {
	return &sessionConn{Conn: c, dialer: d, opTimeout: d.timeout}
}

// sessionConn is an established session. Every read and write carries a
// bounded deadline so no task can park forever inside network I/O.
type sessionConn struct {
	net.Conn
	dialer    *Dialer
	opTimeout time.Duration
}

func (c *sessionConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *sessionConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.opTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *sessionConn) Close() error {
	err := c.Conn.Close()
	c.dialer.setState(state.TLSClosed)
	return err
}
