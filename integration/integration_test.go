package integration

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/session"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/store/memory"
	"github.com/risa-org/fixsession/transport/tcp"
)

var (
	buyer  = session.Identity{BeginString: "FIX.4.4", SenderCompID: "BUYER", TargetCompID: "SELLER"}
	seller = session.Identity{BeginString: "FIX.4.4", SenderCompID: "SELLER", TargetCompID: "BUYER"}
)

// endpoint is one side of a conversation with a goroutine pumping Receive.
type endpoint struct {
	s    *session.Session
	st   *memory.Store
	app  chan *fix.Message // non-admin messages, in arrival order
	done chan struct{}     // closed when the pump stops
}

func start(t *testing.T, ident session.Identity, st *memory.Store, conn net.Conn) *endpoint {
	t.Helper()
	s, err := session.New(session.Config{
		Identity:   ident,
		HeartBtInt: 30,
		Store:      st,
		Transport:  tcp.New(conn),
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	e := &endpoint{s: s, st: st, app: make(chan *fix.Message, 32), done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(e.done)
		for {
			msg, err := s.Receive(ctx, 0)
			if session.IsFatal(err) || errors.Is(err, context.Canceled) {
				return
			}
			if msg != nil && !msg.IsAdmin() {
				e.app <- msg
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		<-e.done
	})
	return e
}

// pair connects a fresh buyer and seller over a pipe.
func pair(t *testing.T, buyerStore, sellerStore *memory.Store) (*endpoint, *endpoint) {
	t.Helper()
	a, b := net.Pipe()
	return start(t, buyer, buyerStore, a), start(t, seller, sellerStore, b)
}

func waitState(t *testing.T, e *endpoint, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"%s never reached %s", e.s.ID(), want)
}

func nextApp(t *testing.T, e *endpoint) *fix.Message {
	t.Helper()
	select {
	case m := <-e.app:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no application message", e.s.ID())
		return nil
	}
}

func logon(t *testing.T, initiator, acceptor *endpoint, reset bool) {
	t.Helper()
	require.NoError(t, initiator.s.Logon(context.Background(), reset))
	waitState(t, acceptor, session.StateActive)
	waitState(t, initiator, session.StateActive)
}

func counters(t *testing.T, e *endpoint) (local, remote int) {
	t.Helper()
	status := e.s.Status(context.Background())
	return status.LocalNext, status.RemoteNext
}

func order(id string) *fix.Message {
	return fix.NewMessage("D").Set(fix.Tag(11), id)
}

func TestFullSessionLifecycle(t *testing.T) {
	b, s := pair(t, memory.New(), memory.New())
	ctx := context.Background()

	logon(t, b, s, false)

	_, err := b.s.Send(ctx, order("order-1"), false)
	require.NoError(t, err)
	got := nextApp(t, s)
	id, _ := got.Get(fix.Tag(11))
	assert.Equal(t, "order-1", id)
	assert.Equal(t, 2, got.SeqNum())

	local, remote := counters(t, s)
	assert.Equal(t, 2, local, "seller sent its logon")
	assert.Equal(t, 3, remote, "seller saw logon and one order")

	require.NoError(t, b.s.Logoff(ctx))
	waitState(t, s, session.StateDisconnected)
	waitState(t, b, session.StateDisconnected)
}

func TestLostMessagesAreResent(t *testing.T) {
	b, s := pair(t, memory.New(), memory.New())
	ctx := context.Background()
	logon(t, b, s, false)

	// two orders the buyer recorded as sent but the wire lost
	for seq, id := range map[int]string{2: "lost-2", 3: "lost-3"} {
		m := order(id).
			Set(fix.TagBeginString, "FIX.4.4").
			Set(fix.TagSenderCompID, "BUYER").
			Set(fix.TagTargetCompID, "SELLER").
			SetInt(fix.TagMsgSeqNum, seq).
			Set(fix.TagSendingTime, fix.FormatTime(time.Now()))
		require.NoError(t, b.st.StoreMessage(ctx, b.s.ID(), store.Sent, m))
	}
	require.NoError(t, b.st.SetLocal(ctx, b.s.ID(), 4))

	_, err := b.s.Send(ctx, order("order-4"), false)
	require.NoError(t, err)

	first := nextApp(t, s)
	assert.Equal(t, 4, first.SeqNum(), "the gap message is surfaced as it arrives")

	for _, want := range []int{2, 3, 4} {
		m := nextApp(t, s)
		assert.Equal(t, want, m.SeqNum())
		assert.True(t, m.IsDuplicate())
		assert.True(t, m.Has(fix.TagOrigSendingTime))
	}
	// replaying up to the gapped message ends the seller's resend
	require.Eventually(t, func() bool {
		_, remote := counters(t, s)
		return remote == 5 && !s.s.Status(ctx).WaitingResend
	}, 2*time.Second, 5*time.Millisecond)

	_, err = b.s.Send(ctx, order("order-5"), false)
	require.NoError(t, err)
	m := nextApp(t, s)
	assert.Equal(t, 5, m.SeqNum())
	assert.False(t, m.IsDuplicate())
}

func TestReconnectContinuesSequences(t *testing.T) {
	buyerStore, sellerStore := memory.New(), memory.New()
	ctx := context.Background()

	b, s := pair(t, buyerStore, sellerStore)
	logon(t, b, s, false)
	_, err := b.s.Send(ctx, order("order-1"), false)
	require.NoError(t, err)
	nextApp(t, s)
	require.NoError(t, b.s.Logoff(ctx))
	waitState(t, b, session.StateDisconnected)
	waitState(t, s, session.StateDisconnected)

	// buyer sent logon, order, logout; seller sent logon, logout
	b, s = pair(t, buyerStore, sellerStore)
	local, remote := counters(t, b)
	assert.Equal(t, 4, local)
	assert.Equal(t, 3, remote)

	logon(t, b, s, false)
	_, err = b.s.Send(ctx, order("order-2"), false)
	require.NoError(t, err)
	m := nextApp(t, s)
	assert.Equal(t, 5, m.SeqNum())
	assert.False(t, m.IsDuplicate())

	local, remote = counters(t, s)
	assert.Equal(t, 4, local)
	assert.Equal(t, 6, remote)
}

func TestResetOnLogon(t *testing.T) {
	buyerStore, sellerStore := memory.New(), memory.New()
	ctx := context.Background()

	b, s := pair(t, buyerStore, sellerStore)
	logon(t, b, s, false)
	for range 3 {
		_, err := b.s.Send(ctx, order("old"), false)
		require.NoError(t, err)
		nextApp(t, s)
	}
	require.NoError(t, b.s.Close())
	waitState(t, s, session.StateDisconnected)

	b, s = pair(t, buyerStore, sellerStore)
	logon(t, b, s, true)

	local, remote := counters(t, b)
	assert.Equal(t, 2, local)
	assert.Equal(t, 2, remote)
	local, remote = counters(t, s)
	assert.Equal(t, 2, local)
	assert.Equal(t, 2, remote)

	_, err := b.s.Send(ctx, order("fresh"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, nextApp(t, s).SeqNum())
}
