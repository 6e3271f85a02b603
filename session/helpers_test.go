package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/store/memory"
	"github.com/risa-org/fixsession/transport"
	"github.com/risa-org/fixsession/transport/tcp"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// peer is the far end of a net.Pipe, scripted by the test.
type peer struct {
	t      *testing.T
	a      *tcp.Adapter
	parser *fix.Parser
}

func (p *peer) stamp(msg *fix.Message, seq int) *fix.Message {
	return msg.
		Set(fix.TagBeginString, "FIX.4.4").
		Set(fix.TagSenderCompID, "SELLER").
		Set(fix.TagTargetCompID, "BUYER").
		SetInt(fix.TagMsgSeqNum, seq).
		Set(fix.TagSendingTime, fix.FormatTime(fixedNow))
}

// send stamps msg as the peer with seq and writes it.
func (p *peer) send(msg *fix.Message, seq int) {
	p.t.Helper()
	p.write(p.stamp(msg, seq).Bytes())
}

func (p *peer) write(b []byte) {
	p.t.Helper()
	require.NoError(p.t, p.a.Write(context.Background(), b))
}

func (p *peer) next(timeout time.Duration) (*fix.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		msg, err := p.parser.Next()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		b, err := p.a.Read(ctx)
		if err != nil {
			return nil, err
		}
		p.parser.Feed(b)
	}
}

// expect returns the next frame the session wrote.
func (p *peer) expect() *fix.Message {
	p.t.Helper()
	msg, err := p.next(2 * time.Second)
	require.NoError(p.t, err, "waiting for a frame from the session")
	return msg
}

// expectType returns the next frame and checks its MsgType.
func (p *peer) expectType(msgType string) *fix.Message {
	p.t.Helper()
	msg := p.expect()
	require.Equal(p.t, msgType, msg.MsgType(), "unexpected frame %s", msg)
	return msg
}

// expectNone checks the session writes nothing for a short while.
func (p *peer) expectNone() {
	p.t.Helper()
	msg, err := p.next(100 * time.Millisecond)
	if err == nil {
		p.t.Fatalf("expected no frame, got %s", msg)
	}
}

type harness struct {
	s            *Session
	st           *memory.Store
	peer         *peer
	disconnected chan transport.DisconnectEvent
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{
		st:           memory.New(),
		disconnected: make(chan transport.DisconnectEvent, 1),
	}
	cfg := Config{
		Identity:   Identity{BeginString: "FIX.4.4", SenderCompID: "BUYER", TargetCompID: "SELLER"},
		HeartBtInt: 30,
		Store:      h.st,
		Transport:  tcp.New(client),
		OnDisconnect: func(ev transport.DisconnectEvent) {
			h.disconnected <- ev
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	s.SetClock(func() time.Time { return fixedNow })
	require.NoError(t, s.Connect(context.Background()))
	h.s = s

	peerAdapter := tcp.New(server)
	h.peer = &peer{t: t, a: peerAdapter, parser: fix.NewParser()}
	t.Cleanup(func() {
		s.Close()
		peerAdapter.Close()
	})
	return h
}

func (h *harness) receive() (*fix.Message, error) {
	return h.s.Receive(context.Background(), 2*time.Second)
}

func (h *harness) remote(t *testing.T) int {
	t.Helper()
	n, err := h.st.GetRemote(context.Background(), h.s.ID())
	require.NoError(t, err)
	return n
}

func (h *harness) local(t *testing.T) int {
	t.Helper()
	n, err := h.st.GetLocal(context.Background(), h.s.ID())
	require.NoError(t, err)
	return n
}

// seedSent puts messages in the sent ledger as if we had sent them, and
// moves local next past the last one.
func (h *harness) seedSent(t *testing.T, msgs ...*fix.Message) {
	t.Helper()
	ctx := context.Background()
	last := 0
	for _, m := range msgs {
		require.NoError(t, h.st.StoreMessage(ctx, h.s.ID(), store.Sent, m))
		last = max(last, m.SeqNum())
	}
	require.NoError(t, h.st.SetLocal(ctx, h.s.ID(), last+1))
}

// sentMsg builds a message as this session would have stamped it.
func sentMsg(msgType string, seq int) *fix.Message {
	return fix.NewMessage(msgType).
		Set(fix.TagBeginString, "FIX.4.4").
		Set(fix.TagSenderCompID, "BUYER").
		Set(fix.TagTargetCompID, "SELLER").
		SetInt(fix.TagMsgSeqNum, seq).
		Set(fix.TagSendingTime, "20231231-23:59:59.000")
}

func seqOf(t *testing.T, m *fix.Message, tag fix.Tag) int {
	t.Helper()
	n, err := m.GetInt(tag)
	require.NoError(t, err)
	return n
}
