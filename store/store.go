// Package store defines the ledger a FIX session persists to: the two
// sequence counters and every message sent or received, keyed by session id.
//
// Implementations live in the subpackages. The session is the only writer
// for a given session id, but implementations must still serialize counter
// updates since the heartbeat timer sends from its own goroutine.
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/risa-org/fixsession/fix"
)

// Direction selects which half of the ledger a message belongs to.
type Direction int

const (
	Sent Direction = iota
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by operations on a session id that was never opened
// or has been closed.
var ErrNotOpen = errors.New("store: session not open")

// MessageStore is the durable ledger contract.
//
// Counters start at 1 for a session that has never been seen. Incr returns
// the value after incrementing. GetMessages yields stored messages whose
// MsgSeqNum lies in [from, to] in ascending order; to 0 means no upper
// bound. Each call to the returned sequence re-reads the store.
type MessageStore interface {
	Open(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error

	GetLocal(ctx context.Context, sessionID string) (int, error)
	GetRemote(ctx context.Context, sessionID string) (int, error)
	SetLocal(ctx context.Context, sessionID string, n int) error
	SetRemote(ctx context.Context, sessionID string, n int) error
	IncrLocal(ctx context.Context, sessionID string) (int, error)
	IncrRemote(ctx context.Context, sessionID string) (int, error)

	StoreMessage(ctx context.Context, sessionID string, dir Direction, msg *fix.Message) error
	GetMessages(ctx context.Context, sessionID string, dir Direction, from, to int) iter.Seq2[*fix.Message, error]
}

// InRange reports whether seq lies in [from, to], treating to 0 as open.
func InRange(seq, from, to int) bool {
	return seq >= from && (to == 0 || seq <= to)
}
