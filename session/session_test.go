package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/transport"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	h := newHarness(t)
	_, err = New(Config{Store: h.st, Transport: h.peer.a})
	assert.Error(t, err, "identity is required")
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, StateConnected, h.s.State())
	assert.ErrorIs(t, h.s.Connect(context.Background()), ErrAlreadyConnected)
}

func TestOperationsNeedConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, h.s.Logon(ctx, false), ErrNotConnected)
	assert.ErrorIs(t, h.s.Logoff(ctx), ErrNotConnected)
	_, err := h.s.Send(ctx, fix.NewMessage("D"), false)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.s.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, ErrConnectionAborted)
}

func TestInOrderHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewHeartbeat(""), 5)
	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeHeartbeat, msg.MsgType())
	assert.Equal(t, 6, h.remote(t))
	h.peer.expectNone()
}

func TestGapRequestsResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewMessage("D"), 8)
	msg, err := h.receive()
	require.NotNil(t, msg, "the message is returned alongside the gap")

	var gap *SequenceGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, 8, gap.Actual)
	assert.Equal(t, 5, gap.Expected)
	assert.False(t, IsFatal(err))
	assert.Equal(t, 5, h.remote(t), "a gap does not advance the remote sequence")

	rr := h.peer.expectType(fix.MsgTypeResendRequest)
	assert.Equal(t, 5, seqOf(t, rr, fix.TagBeginSeqNo))
	assert.Equal(t, 0, seqOf(t, rr, fix.TagEndSeqNo))
	assert.True(t, h.s.Status(ctx).WaitingResend)
}

func TestGapWhileWaitingIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewMessage("D"), 8)
	_, _ = h.receive()
	h.peer.expectType(fix.MsgTypeResendRequest)

	h.peer.send(fix.NewMessage("D"), 9)
	_, err := h.receive()
	require.NoError(t, err)
	h.peer.expectNone()
}

func TestServeResendRequest(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t,
		sentMsg("D", 10),
		sentMsg("D", 11),
		sentMsg(fix.MsgTypeHeartbeat, 12),
		sentMsg(fix.MsgTypeHeartbeat, 13),
		sentMsg("D", 14),
		sentMsg("D", 15),
	)

	h.peer.send(fix.NewResendRequest(10, 15), 1)
	_, err := h.receive()
	require.NoError(t, err)

	for _, seq := range []int{10, 11} {
		m := h.peer.expectType("D")
		assert.Equal(t, seq, m.SeqNum())
		assert.True(t, m.IsDuplicate())
		orig, _ := m.Get(fix.TagOrigSendingTime)
		assert.Equal(t, "20231231-23:59:59.000", orig)
		sent, _ := m.Get(fix.TagSendingTime)
		assert.Equal(t, fix.FormatTime(fixedNow), sent)
	}

	gf := h.peer.expectType(fix.MsgTypeSequenceReset)
	assert.Equal(t, 12, gf.SeqNum())
	assert.True(t, gf.IsGapFill())
	assert.Equal(t, 14, seqOf(t, gf, fix.TagNewSeqNo))

	for _, seq := range []int{14, 15} {
		m := h.peer.expectType("D")
		assert.Equal(t, seq, m.SeqNum())
		assert.True(t, m.IsDuplicate())
	}
	h.peer.expectNone()
	assert.Equal(t, 16, h.local(t), "replays do not consume sequence numbers")
}

func TestServeResendRequestWhileWaiting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSent(t, sentMsg("D", 1), sentMsg("D", 2))
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewMessage("D"), 8)
	_, _ = h.receive()
	h.peer.expectType(fix.MsgTypeResendRequest)

	// the peer asks us for a resend of its own, out of order
	h.peer.send(fix.NewResendRequest(1, 0), 9)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 1, h.peer.expectType("D").SeqNum())
	assert.Equal(t, 2, h.peer.expectType("D").SeqNum())

	// our own ResendRequest went out as 3 and is filled over
	gf := h.peer.expectType(fix.MsgTypeSequenceReset)
	assert.Equal(t, 3, gf.SeqNum())
	assert.Equal(t, 4, seqOf(t, gf, fix.TagNewSeqNo))
	h.peer.expectNone()
}

func TestResendOfAdminOnlyWindow(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t,
		sentMsg(fix.MsgTypeLogon, 1),
		sentMsg(fix.MsgTypeHeartbeat, 2),
		sentMsg(fix.MsgTypeHeartbeat, 3),
	)

	plan, err := h.s.resendPlan(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, 1, plan[0].SeqNum())
	assert.Equal(t, 4, seqOf(t, plan[0], fix.TagNewSeqNo))
	assert.True(t, plan[0].IsGapFill())
	assert.True(t, plan[0].IsDuplicate())
}

func TestResendOfApplicationOnlyWindow(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t, sentMsg("D", 1), sentMsg("8", 2), sentMsg("D", 3))

	plan, err := h.s.resendPlan(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	for i, m := range plan {
		assert.Equal(t, i+1, m.SeqNum())
		assert.NotEqual(t, fix.MsgTypeSequenceReset, m.MsgType())
		assert.True(t, m.IsDuplicate())
	}
}

func TestResendPlanFillsMissingNumbers(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t, sentMsg("D", 1), sentMsg("D", 4))

	plan, err := h.s.resendPlan(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, plan, 3)
	assert.Equal(t, 1, plan[0].SeqNum())
	assert.Equal(t, fix.MsgTypeSequenceReset, plan[1].MsgType())
	assert.Equal(t, 2, plan[1].SeqNum())
	assert.Equal(t, 4, seqOf(t, plan[1], fix.TagNewSeqNo))
	assert.Equal(t, 4, plan[2].SeqNum())
}

func TestResendPlanClampsEnd(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t, sentMsg("D", 1), sentMsg(fix.MsgTypeHeartbeat, 2))

	plan, err := h.s.resendPlan(context.Background(), 1, 99)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, 3, seqOf(t, plan[1], fix.TagNewSeqNo), "trailing fill stops at local next")

	plan, err = h.s.resendPlan(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestResendPlanIsRepeatable(t *testing.T) {
	h := newHarness(t)
	h.seedSent(t, sentMsg("D", 1), sentMsg(fix.MsgTypeHeartbeat, 2), sentMsg("D", 3))
	ctx := context.Background()

	first, err := h.s.resendPlan(ctx, 1, 3)
	require.NoError(t, err)
	second, err := h.s.resendPlan(ctx, 1, 3)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, string(first[i].Bytes()), string(second[i].Bytes()))
	}
}

func TestLogonWithReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetLocal(ctx, h.s.ID(), 7))

	require.NoError(t, h.s.Logon(ctx, true))

	logon := h.peer.expectType(fix.MsgTypeLogon)
	assert.Equal(t, 1, logon.SeqNum())
	assert.True(t, logon.IsResetSeqNum())
	assert.Equal(t, 30, seqOf(t, logon, fix.TagHeartBtInt))
	assert.Equal(t, 2, h.local(t), "the logon is counted exactly once")
}

func TestResetSequenceResetDuringFatalGap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 30))

	h.peer.send(fix.NewSequenceReset(20, false), 10)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 20, h.remote(t))
	assert.Equal(t, StateConnected, h.s.State())
}

func TestResetSequenceResetDuringGap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewSequenceReset(40, false), 9)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 40, h.remote(t))
	h.peer.expectNone()
}

func TestFatalGapClosesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 10))

	h.peer.send(fix.NewMessage("D"), 5)
	msg, err := h.receive()
	assert.Nil(t, msg)

	var fatal *FatalSequenceGapError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 5, fatal.Actual)
	assert.Equal(t, 10, fatal.Expected)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StateDisconnected, h.s.State())

	select {
	case ev := <-h.disconnected:
		assert.Equal(t, transport.ReasonClosedClean, ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnDisconnect to fire")
	}
}

func TestPossibleDuplicateBelowExpectedIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 10))

	h.peer.send(fix.NewMessage("D").SetBool(fix.TagPossDupFlag, true), 5)
	msg, err := h.receive()
	require.NoError(t, err)
	assert.NotNil(t, msg)
	assert.Equal(t, 10, h.remote(t))
	assert.Equal(t, StateConnected, h.s.State())
}

func TestInitiatorLogon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.s.Logon(ctx, false))
	assert.Equal(t, 1, h.peer.expectType(fix.MsgTypeLogon).SeqNum())

	h.peer.send(fix.NewLogon(30, false), 1)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, 2, h.remote(t))
	h.peer.expectNone()
}

func TestAcceptorRepliesToLogon(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Identity.TargetCompID = "" })

	h.peer.send(fix.NewLogon(30, false), 1)
	_, err := h.receive()
	require.NoError(t, err)

	reply := h.peer.expectType(fix.MsgTypeLogon)
	assert.Equal(t, 1, reply.SeqNum())
	assert.False(t, reply.IsResetSeqNum())
	target, _ := reply.Get(fix.TagTargetCompID)
	assert.Equal(t, "SELLER", target)
	assert.Equal(t, StateActive, h.s.State())
	assert.Equal(t, "SELLER", h.s.Status(context.Background()).Peer, "the peer is pinned")
}

func TestResetLogonBelowExpected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 10))
	require.NoError(t, h.st.SetLocal(ctx, h.s.ID(), 10))

	h.peer.send(fix.NewLogon(30, true), 1)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 2, h.remote(t))

	reply := h.peer.expectType(fix.MsgTypeLogon)
	assert.Equal(t, 1, reply.SeqNum())
	assert.True(t, reply.IsResetSeqNum())
	assert.Equal(t, 2, h.local(t))
	assert.Equal(t, StateActive, h.s.State())
}

func TestLogonWithWrongHeartBtIntIsRejected(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewLogon(60, false), 1)
	msg, err := h.receive()
	require.NotNil(t, msg)

	var invalid *fix.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	assert.False(t, IsFatal(err))

	reject := h.peer.expectType(fix.MsgTypeReject)
	assert.Equal(t, 1, seqOf(t, reject, fix.TagRefSeqNum))
	assert.Equal(t, int(fix.TagHeartBtInt), seqOf(t, reject, fix.TagRefTagID))
	assert.Equal(t, int(fix.ValueIsIncorrect), seqOf(t, reject, fix.TagSessionRejectReason))
	assert.NotEqual(t, StateActive, h.s.State())
}

func TestTestRequestIsAnswered(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewTestRequest("ping-1"), 1)
	_, err := h.receive()
	require.NoError(t, err)

	hb := h.peer.expectType(fix.MsgTypeHeartbeat)
	id, _ := hb.Get(fix.TagTestReqID)
	assert.Equal(t, "ping-1", id)
}

func TestDuplicateAdminInOrderIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewTestRequest("old").SetBool(fix.TagPossDupFlag, true), 1)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 2, h.remote(t))
	h.peer.expectNone()
}

func TestPeerRejectSurfaces(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewReject(3, fix.TagMsgType, "D", fix.InvalidMsgType, "no such type"), 1)
	msg, err := h.receive()
	require.NotNil(t, msg)

	var rejected *FixRejectionError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "no such type")
	assert.Contains(t, rejected.Reason, "ref seq 3")
	assert.False(t, IsFatal(err))
	assert.Equal(t, 2, h.remote(t))
}

func TestDecreasingSequenceResetIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewSequenceReset(3, false), 5)
	_, err := h.receive()

	var invalid *fix.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, fix.TagNewSeqNo, invalid.Tag)

	reject := h.peer.expectType(fix.MsgTypeReject)
	assert.Equal(t, int(fix.TagNewSeqNo), seqOf(t, reject, fix.TagRefTagID))
	assert.Equal(t, 6, h.remote(t))
}

func TestGapFillInOrderAdvances(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewSequenceReset(7, true).SetBool(fix.TagPossDupFlag, true), 1)
	_, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 7, h.remote(t))
}

func TestLogoffHandshake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.s.Logoff(ctx))
	h.peer.expectType(fix.MsgTypeLogout)
	assert.Equal(t, StateLoggingOut, h.s.State())

	require.NoError(t, h.s.Logoff(ctx))
	h.peer.expectNone()

	h.peer.send(fix.NewLogout(""), 1)
	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeLogout, msg.MsgType())
	assert.Equal(t, StateDisconnected, h.s.State())

	_, err = h.receive()
	assert.ErrorIs(t, err, ErrConnectionAborted)
}

func TestPeerLogoutIsAnswered(t *testing.T) {
	h := newHarness(t)

	h.peer.send(fix.NewLogout("bye"), 1)
	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, fix.MsgTypeLogout, msg.MsgType())

	h.peer.expectType(fix.MsgTypeLogout)
	assert.Equal(t, StateDisconnected, h.s.State())
}

func TestLogoutDeferredUntilResendCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewMessage("D"), 8)
	_, _ = h.receive()
	h.peer.expectType(fix.MsgTypeResendRequest)

	h.peer.send(fix.NewLogout(""), 9)
	_, err := h.receive()
	require.NoError(t, err)
	h.peer.expectNone()
	assert.True(t, h.s.Status(ctx).LogoutAfterResend)
	assert.Equal(t, StateConnected, h.s.State())

	// the first fresh in-order message ends the resend
	h.peer.send(fix.NewMessage("D"), 5)
	_, err = h.receive()
	require.NoError(t, err)
	h.peer.expectType(fix.MsgTypeLogout)
	assert.Equal(t, StateDisconnected, h.s.State())
}

// replayed peer recovers the gap the way serveResend does: every message
// and gap fill carries PossDupFlag.
func replayed(msg *fix.Message) *fix.Message {
	return msg.SetBool(fix.TagPossDupFlag, true).Set(fix.TagOrigSendingTime, fix.FormatTime(fixedNow))
}

func TestDeferredLogoutAnsweredAfterReplayedRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	h.peer.send(fix.NewLogout(""), 7)
	_, err := h.receive()
	var gap *SequenceGapError
	require.ErrorAs(t, err, &gap)
	rr := h.peer.expectType(fix.MsgTypeResendRequest)
	assert.Equal(t, 5, seqOf(t, rr, fix.TagBeginSeqNo))
	assert.True(t, h.s.Status(ctx).LogoutAfterResend)

	for seq := 5; seq <= 6; seq++ {
		h.peer.send(replayed(fix.NewMessage("D")), seq)
		_, err = h.receive()
		require.NoError(t, err)
	}
	h.peer.expectNone()
	assert.True(t, h.s.Status(ctx).WaitingResend, "replays short of the gap keep the resend open")

	h.peer.send(replayed(fix.NewSequenceReset(8, true)), 7)
	_, err = h.receive()
	require.NoError(t, err)

	h.peer.expectType(fix.MsgTypeLogout)
	assert.Equal(t, 8, h.remote(t))
	assert.Equal(t, StateDisconnected, h.s.State())
}

func TestDeferredLogoutConfirmsOurLogoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 5))

	require.NoError(t, h.s.Logoff(ctx))
	h.peer.expectType(fix.MsgTypeLogout)

	h.peer.send(fix.NewLogout(""), 6)
	_, _ = h.receive()
	h.peer.expectType(fix.MsgTypeResendRequest)

	h.peer.send(replayed(fix.NewSequenceReset(7, true)), 5)
	_, err := h.receive()
	require.NoError(t, err)

	h.peer.expectNone()
	assert.Equal(t, StateDisconnected, h.s.State())
}

func TestCloseDuringReceiveAborts(t *testing.T) {
	h := newHarness(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.s.Receive(context.Background(), 0)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.s.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectionAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestSendStampsHeader(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ExtraHeaders = []fix.Field{{Tag: fix.Tag(50), Value: "desk-1"}}
	})

	seq, err := h.s.Send(context.Background(), fix.NewMessage("D").Set(fix.Tag(11), "order-1"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	m := h.peer.expectType("D")
	for tag, want := range map[fix.Tag]string{
		fix.TagBeginString:  "FIX.4.4",
		fix.TagSenderCompID: "BUYER",
		fix.TagTargetCompID: "SELLER",
		fix.TagMsgSeqNum:    "1",
		fix.TagSendingTime:  fix.FormatTime(fixedNow),
		fix.Tag(50):         "desk-1",
		fix.Tag(11):         "order-1",
	} {
		got, _ := m.Get(tag)
		assert.Equal(t, want, got, "tag %d", tag)
	}
	assert.Equal(t, 2, h.local(t))
}

func TestReceiveTimeout(t *testing.T) {
	h := newHarness(t)

	_, err := h.s.Receive(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsFatal(err))
	assert.Equal(t, StateConnected, h.s.State())
	assert.Equal(t, 1, h.remote(t))

	h.peer.send(fix.NewHeartbeat(""), 1)
	_, err = h.receive()
	assert.NoError(t, err, "the session survives a timeout")
}

func TestReceiveHonoursContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.s.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, h.s.State())
}

func TestGarbledFrameIsDropped(t *testing.T) {
	h := newHarness(t)

	h.peer.write([]byte("8=FIX.4.4\x019=5\x0135=0\x0110=000\x01"))
	h.peer.send(fix.NewHeartbeat(""), 1)

	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, 1, msg.SeqNum())
	assert.Equal(t, 2, h.remote(t))
}

func TestMissingSeqNumIsRejected(t *testing.T) {
	h := newHarness(t)

	h.peer.write(fix.NewHeartbeat("").
		Set(fix.TagBeginString, "FIX.4.4").
		Set(fix.TagSenderCompID, "SELLER").
		Set(fix.TagTargetCompID, "BUYER").
		Bytes())
	_, err := h.receive()

	var invalid *fix.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, fix.TagMsgSeqNum, invalid.Tag)
	h.peer.expectType(fix.MsgTypeReject)
	assert.Equal(t, 1, h.remote(t))
}

func TestPeerDisconnectIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.peer.a.Close())

	_, err := h.receive()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(err, transport.ErrTransportClosed))
	assert.Equal(t, StateDisconnected, h.s.State())

	select {
	case <-h.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnDisconnect to fire")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.s.Close())
	require.NoError(t, h.s.Close())
	assert.Len(t, h.disconnected, 1, "OnDisconnect fires once per connection")
}

func TestIdleHeartbeat(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.HeartBtInt = 1 })

	_, err := h.s.Send(context.Background(), fix.NewMessage("D"), false)
	require.NoError(t, err)
	h.peer.expectType("D")

	hb := h.peer.expectType(fix.MsgTypeHeartbeat)
	assert.Equal(t, 2, hb.SeqNum())
	assert.False(t, hb.Has(fix.TagTestReqID))
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.st.SetRemote(ctx, h.s.ID(), 4))

	st := h.s.Status(ctx)
	assert.Equal(t, "FIX.4.4:BUYER:SELLER", st.SessionID)
	assert.Equal(t, StateConnected.String(), st.State)
	assert.Equal(t, 1, st.LocalNext)
	assert.Equal(t, 4, st.RemoteNext)

	require.NoError(t, h.s.Close())
	st = h.s.Status(ctx)
	assert.Equal(t, StateDisconnected.String(), st.State)
	assert.Zero(t, st.LocalNext)
}
