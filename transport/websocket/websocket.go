package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/transport"
)

// Subprotocol is offered when dialing and accepted when upgrading. Peers
// that offer none are still accepted.
const Subprotocol = "fix"

// Adapter implements transport.Adapter over a WebSocket connection.
// Each FIX frame travels as one binary message, but the adapter still hands
// up raw bytes and leaves framing to the parser, same as TCP.
type Adapter struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	incoming   chan []byte
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	closing    atomic.Bool
	timeout    time.Duration // bounds Connect when set
	ctx        context.Context
	cancel     context.CancelFunc
}

// New wraps an existing *websocket.Conn. Connect on the result is a no-op.
func New(conn *websocket.Conn) *Adapter {
	a := newAdapter()
	a.conn = conn
	a.start()
	return a
}

// NewDialer returns an unconnected Adapter that dials a ws:// or wss:// URL
// on Connect. A non-zero timeout bounds the dial and upgrade.
func NewDialer(timeout time.Duration) *Adapter {
	a := newAdapter()
	a.timeout = timeout
	return a
}

// Accept upgrades an HTTP request and wraps the resulting connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Adapter, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

func newAdapter() *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		incoming:   make(chan []byte, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (a *Adapter) start() {
	a.conn.SetReadLimit(fix.MaxMessageSize)
	go a.readLoop()
}

func (a *Adapter) Connect(ctx context.Context, url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return nil
	}
	if a.closing.Load() {
		return transport.ErrTransportClosed
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", url, err)
	}
	a.conn = conn
	a.start()
	return nil
}

// Read waits on the read loop rather than the socket; cancelling a read on
// the socket itself would close it.
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

func (a *Adapter) Write(ctx context.Context, b []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || a.closing.Load() {
		return transport.ErrTransportClosed
	}
	if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
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

func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		a.cancel()
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			close(a.incoming)
			a.signalDisconnect(nil)
			return
		}
		err = conn.Close(websocket.StatusNormalClosure, "closed")
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.closing.Store(true)
		a.Close()
	}()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}
		select {
		case a.incoming <- data:
		case <-a.ctx.Done():
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes;
// different implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case err == nil,
		status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
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
