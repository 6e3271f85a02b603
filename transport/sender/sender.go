package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/transport"
)

// Header is the standard header a Sender stamps on every outbound message.
type Header struct {
	SessionID    string // store key
	BeginString  string
	SenderCompID string
	TargetCompID string
	Extra        []fix.Field // configured extra header pairs, in order
}

// Sender is the single place where outgoing messages are sequenced,
// persisted and written, in that order.
//
// Callers used to do this by hand:
//
//	seq, _ := st.GetLocal(ctx, id)
//	stamp(msg, seq)
//	st.IncrLocal(ctx, id)
//	st.StoreMessage(ctx, id, store.Sent, msg)
//	adapter.Write(ctx, msg.Bytes())
//
// Sender collapses this to one call and gets the exceptions right:
//  1. Possible duplicates and gap-fills never consume a new sequence number.
//  2. They are not persisted either, so the ledger keeps the original of a
//     replayed message and the admin message a gap-fill stands in for.
//
// A message is persisted before it is written. If the write fails the
// sequence number is still spent and the peer will ask for it again.
type Sender struct {
	store   store.MessageStore
	adapter transport.Adapter
	header  Header

	// Now stamps SendingTime; tests replace it.
	Now func() time.Time
}

// New creates a Sender writing through adapter and persisting to st.
func New(st store.MessageStore, adapter transport.Adapter, header Header) *Sender {
	return &Sender{store: st, adapter: adapter, header: header, Now: time.Now}
}

// Stamp writes the standard header onto msg using seq as MsgSeqNum.
func (s *Sender) Stamp(msg *fix.Message, seq int) *fix.Message {
	msg.Set(fix.TagBeginString, s.header.BeginString).
		Set(fix.TagSenderCompID, s.header.SenderCompID).
		Set(fix.TagTargetCompID, s.header.TargetCompID).
		SetInt(fix.TagMsgSeqNum, seq).
		Set(fix.TagSendingTime, fix.FormatTime(s.Now()))
	for _, f := range s.header.Extra {
		msg.Set(f.Tag, f.Value)
	}
	return msg
}

// SetTargetCompID changes the TargetCompID stamped from now on. An acceptor
// with no configured peer calls it once the first Logon names one.
func (s *Sender) SetTargetCompID(id string) {
	s.header.TargetCompID = id
}

// Send stamps msg with the next local sequence number unless skipHeaders is
// set, then advances the counter, persists and writes. It returns the
// sequence number the message went out with.
func (s *Sender) Send(ctx context.Context, msg *fix.Message, skipHeaders bool) (int, error) {
	id := s.header.SessionID
	if !skipHeaders {
		seq, err := s.store.GetLocal(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("sender: read local seq: %w", err)
		}
		s.Stamp(msg, seq)
	}

	replay := msg.IsDuplicate() || msg.IsGapFill()
	if !replay {
		if _, err := s.store.IncrLocal(ctx, id); err != nil {
			return 0, fmt.Errorf("sender: advance local seq: %w", err)
		}
		if err := s.store.StoreMessage(ctx, id, store.Sent, msg); err != nil {
			return 0, fmt.Errorf("sender: persist: %w", err)
		}
	}

	if err := s.adapter.Write(ctx, msg.Bytes()); err != nil {
		return 0, err
	}
	return msg.SeqNum(), nil
}

// Store returns the underlying message store.
func (s *Sender) Store() store.MessageStore {
	return s.store
}

// Adapter returns the underlying transport adapter.
func (s *Sender) Adapter() transport.Adapter {
	return s.adapter
}
