package transport

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned when you read from or write to a closed
// transport. Callers check it with errors.Is().
var ErrTransportClosed = errors.New("transport closed")

// DisconnectReason tells the session layer why a transport closed.
type DisconnectReason int

const (
	ReasonUnknown      DisconnectReason = iota // catch-all, should be rare
	ReasonNetworkError                         // underlying connection failed
	ReasonTimeout                              // no activity within deadline
	ReasonClosedClean                          // graceful shutdown by either side
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNetworkError:
		return "network_error"
	case ReasonTimeout:
		return "timeout"
	case ReasonClosedClean:
		return "closed_clean"
	default:
		return "unknown"
	}
}

// DisconnectEvent is sent on the channel returned by Disconnected().
type DisconnectEvent struct {
	Reason DisconnectReason
	Err    error // nil on clean close
}

// Adapter is the byte-stream contract every transport satisfies.
// The session never imports tcp or websocket directly.
//
// Read returns whatever bytes have arrived; frames may be split across or
// joined within reads. A Read that ends because ctx is done leaves the
// connection usable. After the connection is gone Read returns an error
// wrapping ErrTransportClosed.
type Adapter interface {
	// Connect establishes the connection. Adapters built around an already
	// accepted connection treat it as a no-op.
	Connect(ctx context.Context, addr string) error

	Read(ctx context.Context) ([]byte, error)

	// Write sends b in full or returns an error wrapping ErrTransportClosed.
	Write(ctx context.Context, b []byte) error

	// Close shuts down the transport. Safe to call multiple times.
	Close() error

	// IsClosing reports whether Close has been called or the peer went away.
	IsClosing() bool

	// Disconnected emits exactly one DisconnectEvent when the transport
	// closes, for any reason.
	Disconnected() <-chan DisconnectEvent
}
