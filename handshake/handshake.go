package handshake

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
)

// Reason constants are the Text carried on a Reject for a refused Logon.
// They also feed the session logs.
const (
	ReasonHeartBtIntMismatch   = "HeartBtInt does not match the configured interval"
	ReasonTargetCompIDMismatch = "TargetCompID does not match our SenderCompID"
	ReasonSenderCompIDMismatch = "SenderCompID does not match the expected peer"
)

// SentLog is the slice of the message store the handshake needs: a way to
// look back over what we sent on this connection. It is an interface so the
// handshake doesn't care how messages are stored.
type SentLog interface {
	GetMessages(ctx context.Context, sessionID string, dir store.Direction, from, to int) iter.Seq2[*fix.Message, error]
}

// Result is what the handler decided about an accepted Logon.
type Result struct {
	Reset bool   // the peer asked to reset sequence numbers
	Reply bool   // we did not initiate, so we owe the peer a Logon
	Peer  string // the peer comp id, pinned if it wasn't configured
}

// Handler validates inbound Logons for one session and works out which side
// initiated. It is not safe for concurrent use; the session serializes calls.
type Handler struct {
	heartBtInt int
	local      string // our SenderCompID
	sessionID  string
	log        SentLog

	mu        sync.Mutex
	peer      string // configured or pinned peer comp id
	fromSeq   int    // first local seq of the current connection
	initiator string // comp id of the side that sent the first Logon, once known
}

// NewHandler creates a handler. peer may be empty, in which case the first
// accepted Logon pins it for the life of the handler.
func NewHandler(heartBtInt int, local, peer, sessionID string, log SentLog) *Handler {
	return &Handler{
		heartBtInt: heartBtInt,
		local:      local,
		peer:       peer,
		sessionID:  sessionID,
		log:        log,
		fromSeq:    1,
	}
}

// Reconnected forgets the cached initiator. fromSeq is the first local
// sequence number the new connection will use.
func (h *Handler) Reconnected(fromSeq int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fromSeq = fromSeq
	h.initiator = ""
}

// SentLogon records that we sent a Logon. The first Logon on a connection
// makes its sender the initiator.
func (h *Handler) SentLogon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initiator == "" {
		h.initiator = h.local
	}
}

// Peer returns the configured or pinned peer comp id.
func (h *Handler) Peer() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer
}

// Logon processes an inbound Logon.
//
// Steps:
//  1. HeartBtInt must equal the configured interval
//  2. TargetCompID must be our SenderCompID
//  3. SenderCompID must be the peer; an unset peer is pinned here
//  4. Work out who initiated; if it wasn't us we must reply
//
// A refusal comes back as a *fix.InvalidMessageError, ready to turn into a
// Reject.
func (h *Handler) Logon(ctx context.Context, msg *fix.Message) (Result, error) {
	// step 1: heartbeat interval
	hb, err := msg.GetInt(fix.TagHeartBtInt)
	if err != nil {
		return Result{}, err
	}
	if hb != h.heartBtInt {
		return Result{}, reject(msg, fix.TagHeartBtInt, fix.ValueIsIncorrect, ReasonHeartBtIntMismatch)
	}

	// step 2: addressed to us
	if target, _ := msg.Get(fix.TagTargetCompID); target != h.local {
		return Result{}, reject(msg, fix.TagTargetCompID, fix.CompIDProblem, ReasonTargetCompIDMismatch)
	}

	// step 3: from the peer we expect
	sender, _ := msg.Get(fix.TagSenderCompID)
	h.mu.Lock()
	if h.peer == "" {
		h.peer = sender
	}
	peer := h.peer
	h.mu.Unlock()
	if sender != peer {
		return Result{}, reject(msg, fix.TagSenderCompID, fix.CompIDProblem, ReasonSenderCompIDMismatch)
	}

	// step 4: initiator negotiation
	initiator, err := h.Initiator(ctx, peer)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Reset: msg.IsResetSeqNum(),
		Reply: initiator != h.local,
		Peer:  peer,
	}, nil
}

// Initiator returns the comp id of the side that sent the first Logon on
// this connection. If we have no record of sending one, it looks back over
// the sent messages since the connection began; failing that the peer
// initiated. The answer is cached.
func (h *Handler) Initiator(ctx context.Context, peer string) (string, error) {
	h.mu.Lock()
	if h.initiator != "" {
		defer h.mu.Unlock()
		return h.initiator, nil
	}
	fromSeq := h.fromSeq
	h.mu.Unlock()

	initiator := peer
	for m, err := range h.log.GetMessages(ctx, h.sessionID, store.Sent, fromSeq, 0) {
		if err != nil {
			return "", fmt.Errorf("handshake: scan sent messages: %w", err)
		}
		if m.MsgType() == fix.MsgTypeLogon {
			initiator = h.local
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initiator == "" {
		h.initiator = initiator
	}
	return h.initiator, nil
}

// reject is a helper to build a refusal with a reason.
func reject(msg *fix.Message, tag fix.Tag, reason fix.RejectReason, text string) error {
	return fix.NewInvalidMessageError(msg, tag, reason, text)
}
