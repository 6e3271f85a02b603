package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/risa-org/fixsession/transport"
)

// readBufferSize is the largest chunk handed to the session per Read.
const readBufferSize = 4096

// Config controls how a dialing Adapter connects.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	TLSEnabled         bool
	CAFile             string
	InsecureSkipVerify bool
	ServerName         string
}

// Adapter implements transport.Adapter over a TCP (optionally TLS) stream.
//
// TCP has no message boundaries, so the adapter hands up raw chunks and
// leaves framing to the FIX parser.
type Adapter struct {
	cfg Config

	mu         sync.Mutex
	conn       net.Conn
	incoming   chan []byte                    // chunks from the read loop
	disconnect chan transport.DisconnectEvent // signals when connection closes
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	done       chan struct{}                  // closed by Close to release the read loop
	closing    atomic.Bool
	writeMu    sync.Mutex // one writer at a time
}

// New wraps an established net.Conn, for the accepting side and for tests
// using net.Pipe. Connect on the result is a no-op.
// Immediately starts a read loop goroutine in the background.
func New(conn net.Conn) *Adapter {
	a := newAdapter(Config{})
	a.conn = conn
	go a.readLoop(conn)
	return a
}

// NewDialer returns an unconnected Adapter that dials on Connect.
func NewDialer(cfg Config) *Adapter {
	return newAdapter(cfg)
}

func newAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:        cfg,
		incoming:   make(chan []byte, 64),                    // buffered so reader doesn't block on slow consumers
		disconnect: make(chan transport.DisconnectEvent, 1), // buffered so signal never blocks
		done:       make(chan struct{}),
	}
}

func (a *Adapter) Connect(ctx context.Context, addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	if a.closing.Load() {
		return transport.ErrTransportClosed
	}

	conn, err := a.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	a.conn = conn
	go a.readLoop(conn)
	return nil
}

func (a *Adapter) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: a.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !a.cfg.TLSEnabled {
		return rawConn, nil
	}

	tlsCfg, err := a.clientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx := ctx
	if a.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Adapter) clientTLSConfig(addr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: a.cfg.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(a.cfg.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(a.cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("tcp: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Read returns the next chunk from the read loop. Cancelling ctx abandons
// the wait without touching the connection.
func (a *Adapter) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-a.incoming:
		if !ok {
			return nil, transport.ErrTransportClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends b under writeMu, honouring the ctx deadline if one is set.
func (a *Adapter) Write(ctx context.Context, b []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || a.closing.Load() {
		return transport.ErrTransportClosed
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

func (a *Adapter) IsClosing() bool {
	return a.closing.Load()
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the connection. Safe to call multiple times.
// An adapter that never connected still reports a clean disconnect.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		close(a.done)
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			close(a.incoming)
			a.signalDisconnect(nil)
			return
		}
		err = conn.Close()
	})
	return err
}

// readLoop runs in a goroutine and forwards chunks until the connection
// closes, then signals disconnect and exits.
func (a *Adapter) readLoop(conn net.Conn) {
	defer func() {
		close(a.incoming) // Read callers see ErrTransportClosed
		a.closing.Store(true)
		a.Close()
	}()

	for {
		buf := make([]byte, readBufferSize)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case a.incoming <- buf[:n]:
			case <-a.done:
				a.signalDisconnect(nil)
				return
			}
		}
		if err != nil {
			a.signalDisconnect(err)
			return
		}
	}
}

// signalDisconnect figures out the reason for disconnection and sends
// exactly one event on the disconnect channel.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		event.Reason = transport.ReasonClosedClean
	case a.closing.Load() && errors.Is(err, net.ErrClosed), a.closing.Load() && errors.Is(err, io.ErrClosedPipe):
		// we closed it ourselves
		event.Reason = transport.ReasonClosedClean
	case errors.As(err, &netErr) && netErr.Timeout():
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
