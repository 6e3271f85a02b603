package session

import (
	"errors"
	"fmt"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/transport"
)

var (
	// ErrConnectionAborted is returned by Receive once the session is closed.
	ErrConnectionAborted = errors.New("session: connection aborted")
	// ErrTimeout is returned by Receive when nothing arrives in time.
	// Session state is untouched.
	ErrTimeout = errors.New("session: receive timed out")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("session: already connected")
)

// SequenceGapError means the peer is ahead of us. A ResendRequest has been
// sent and the session carries on.
type SequenceGapError struct {
	Actual   int
	Expected int
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("session: sequence gap: got %d, expected %d", e.Actual, e.Expected)
}

// FatalSequenceGapError means the peer sent a number lower than expected
// without marking it as a possible duplicate. The session is closed.
type FatalSequenceGapError struct {
	Actual   int
	Expected int
}

func (e *FatalSequenceGapError) Error() string {
	return fmt.Sprintf("session: fatal sequence gap: got %d, expected %d", e.Actual, e.Expected)
}

// FixRejectionError surfaces a Reject from the peer.
type FixRejectionError struct {
	Reason string
	Msg    *fix.Message
}

func (e *FixRejectionError) Error() string {
	return "session: rejected by peer: " + e.Reason
}

func newRejection(msg *fix.Message) *FixRejectionError {
	reason, _ := msg.Get(fix.TagText)
	if code, err := msg.GetInt(fix.TagSessionRejectReason); err == nil {
		if reason == "" {
			reason = fix.RejectReason(code).String()
		} else {
			reason = fmt.Sprintf("%s (%s)", reason, fix.RejectReason(code))
		}
	}
	if ref, err := msg.GetInt(fix.TagRefSeqNum); err == nil {
		reason = fmt.Sprintf("%s, ref seq %d", reason, ref)
	}
	return &FixRejectionError{Reason: reason, Msg: msg}
}

// IsFatal reports whether err, as returned by Receive, means the session
// has been torn down. Every other error from Receive is recoverable.
func IsFatal(err error) bool {
	var fatal *FatalSequenceGapError
	return errors.As(err, &fatal) ||
		errors.Is(err, ErrConnectionAborted) ||
		errors.Is(err, transport.ErrTransportClosed)
}
