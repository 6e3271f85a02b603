// Package session is the FIX session engine: it owns the connection
// lifecycle, keeps both sequence streams gap-free, answers and issues
// resend requests, and runs the logon/logout/heartbeat handshakes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/handshake"
	"github.com/risa-org/fixsession/logger"
	"github.com/risa-org/fixsession/observability"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/transport"
	"github.com/risa-org/fixsession/transport/sender"
)

// disconnectWait bounds how long Close waits for the transport to report
// why it closed before firing OnDisconnect with a clean reason.
const disconnectWait = time.Second

// Config wires a session to its collaborators.
type Config struct {
	Identity Identity

	// HeartBtInt is the heartbeat interval in seconds. Zero disables the
	// idle heartbeat.
	HeartBtInt int

	// ExtraHeaders are stamped on every outbound message after the
	// standard header, in order.
	ExtraHeaders []fix.Field

	// Address is passed to Transport.Connect.
	Address string

	Store     store.MessageStore
	Transport transport.Adapter
	Logger    logger.Logger

	// OnDisconnect fires once per connection, after Close has released
	// the transport and store.
	OnDisconnect func(transport.DisconnectEvent)
}

// Session is one counterparty pair. Public methods are safe for concurrent
// use, but only one goroutine may call Receive at a time.
type Session struct {
	cfg   Config
	ident Identity
	id    string
	log   logger.Logger

	mu        sync.Mutex
	state     State
	ctx       context.Context // lives from Connect to Close
	cancel    context.CancelFunc
	parser    *fix.Parser
	sender    *sender.Sender
	handshake *handshake.Handler
	hb        *Heartbeat

	waitingResend        bool
	resendUpTo           int // highest peer seq seen while gapped
	waitingLogoutConfirm bool
	logoutAfterResend    bool
	closeAfterDispatch   bool
}

// New validates cfg and returns a disconnected session.
func New(cfg Config) (*Session, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("session: config needs a Store")
	case cfg.Transport == nil:
		return nil, errors.New("session: config needs a Transport")
	case cfg.Identity.BeginString == "" || cfg.Identity.SenderCompID == "":
		return nil, errors.New("session: identity needs BeginString and SenderCompID")
	case cfg.HeartBtInt < 0:
		return nil, errors.New("session: HeartBtInt must not be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	s := &Session{
		cfg:   cfg,
		ident: cfg.Identity,
		id:    cfg.Identity.ID(),
		state: StateDisconnected,
	}
	s.log = cfg.Logger.With(logger.Field{Key: "session_id", Value: s.id})
	s.hb = NewHeartbeat(s.heartbeatFired)
	s.handshake = handshake.NewHandler(cfg.HeartBtInt, s.ident.SenderCompID, s.ident.TargetCompID, s.id, cfg.Store)
	s.sender = sender.New(cfg.Store, cfg.Transport, s.header())
	return s, nil
}

func (s *Session) header() sender.Header {
	return sender.Header{
		SessionID:    s.id,
		BeginString:  s.ident.BeginString,
		SenderCompID: s.ident.SenderCompID,
		TargetCompID: s.ident.TargetCompID,
		Extra:        s.cfg.ExtraHeaders,
	}
}

// ID returns the store key for this session.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetClock replaces the clock used for SendingTime. Tests use it.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender.Now = now
}

// transition must be called with s.mu held.
func (s *Session) transition(next State) {
	if s.state == next {
		return
	}
	if !isValidTransition(s.state, next) {
		s.log.Warn("ignored invalid state transition",
			logger.Field{Key: "from", Value: s.state.String()},
			logger.Field{Key: "to", Value: next.String()})
		return
	}
	s.log.Info("state transition",
		logger.Field{Key: "from", Value: s.state.String()},
		logger.Field{Key: "to", Value: next.String()})
	s.state = next
}

// Connect opens the transport and the store. Callers pair it with a
// deferred Close, which releases both on every exit path:
//
//	if err := s.Connect(ctx); err != nil {
//		return err
//	}
//	defer s.Close()
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	s.transition(StateConnecting)

	if err := s.cfg.Transport.Connect(ctx, s.cfg.Address); err != nil {
		s.transition(StateDisconnected)
		return fmt.Errorf("session: connect: %w", err)
	}
	if err := s.cfg.Store.Open(ctx, s.id); err != nil {
		_ = s.cfg.Transport.Close()
		s.transition(StateDisconnected)
		return fmt.Errorf("session: open store: %w", err)
	}
	local, err := s.cfg.Store.GetLocal(ctx, s.id)
	if err != nil {
		_ = s.cfg.Transport.Close()
		_ = s.cfg.Store.Close(ctx, s.id)
		s.transition(StateDisconnected)
		return fmt.Errorf("session: read local seq: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.parser = fix.NewParser()
	s.resetFlags()
	s.handshake.Reconnected(local)
	s.hb.Start()
	s.transition(StateConnected)
	return nil
}

// resetFlags must be called with s.mu held.
func (s *Session) resetFlags() {
	s.waitingResend = false
	s.resendUpTo = 0
	s.waitingLogoutConfirm = false
	s.logoutAfterResend = false
	s.closeAfterDispatch = false
}

// Logon sends our Logon. With reset the local sequence restarts at 1 and
// the Logon carries ResetSeqNumFlag=Y.
func (s *Session) Logon(ctx context.Context, reset bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected() {
		return ErrNotConnected
	}
	return s.logon(ctx, reset)
}

// logon must be called with s.mu held.
func (s *Session) logon(ctx context.Context, reset bool) error {
	msg := fix.NewLogon(s.cfg.HeartBtInt, reset)
	if !reset {
		_, err := s.send(ctx, msg, false)
		if err == nil {
			s.handshake.SentLogon()
		}
		return err
	}

	if err := s.cfg.Store.SetLocal(ctx, s.id, 1); err != nil {
		return fmt.Errorf("session: reset local seq: %w", err)
	}
	s.handshake.Reconnected(1)
	s.sender.Stamp(msg, 1)
	if _, err := s.send(ctx, msg, true); err != nil {
		return err
	}
	s.handshake.SentLogon()
	return nil
}

// Logoff sends a Logout and waits for the peer to confirm it through
// Receive. A second call while waiting is a no-op.
func (s *Session) Logoff(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected() {
		return ErrNotConnected
	}
	return s.logoff(ctx, "")
}

// logoff must be called with s.mu held.
func (s *Session) logoff(ctx context.Context, text string) error {
	if s.waitingLogoutConfirm {
		return nil
	}
	if _, err := s.send(ctx, fix.NewLogout(text), false); err != nil {
		return err
	}
	s.waitingLogoutConfirm = true
	s.transition(StateLoggingOut)
	return nil
}

// Send stamps and sends msg. With skipHeaders the caller has stamped the
// header already. It returns the sequence number msg went out with.
func (s *Session) Send(ctx context.Context, msg *fix.Message, skipHeaders bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected() {
		return 0, ErrNotConnected
	}
	return s.send(ctx, msg, skipHeaders)
}

// send must be called with s.mu held. Every outbound message goes through
// here so the heartbeat is pushed back on each one.
func (s *Session) send(ctx context.Context, msg *fix.Message, skipHeaders bool) (int, error) {
	seq, err := s.sender.Send(ctx, msg, skipHeaders)
	if err != nil {
		s.log.Error("send failed", logger.Err(err), logger.Field{Key: "msg_type", Value: msg.MsgType()})
		return 0, err
	}
	s.log.Debug("sent", logger.Field{Key: "msg", Value: msg.String()})
	observability.RecordMessage(s.id, store.Sent.String(), msg.MsgType())
	s.hb.Reset(time.Duration(s.cfg.HeartBtInt) * time.Second)
	return seq, nil
}

// connected must be called with s.mu held.
func (s *Session) connected() bool {
	return s.state != StateDisconnected && s.state != StateConnecting
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected()
}

// heartbeatFired runs on the heartbeat timer's goroutine.
func (s *Session) heartbeatFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected() {
		return
	}
	// bound the write so a stuck peer can't hold the lock past the next interval
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.HeartBtInt)*time.Second)
	defer cancel()
	if _, err := s.send(ctx, fix.NewHeartbeat(""), false); err == nil {
		observability.RecordHeartbeat(s.id)
	}
}

// Receive returns the next inbound message after running it through the
// session: sequence checks, resend handling, admin replies.
//
// Alongside a message it may return a recoverable error (a sequence gap,
// a peer Reject, a Reject we sent); the session stays usable. IsFatal
// reports the errors after which the session is closed and no message is
// returned. A zero timeout waits until ctx is done; on timeout Receive
// returns ErrTimeout and changes nothing.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) (*fix.Message, error) {
	s.mu.Lock()
	if !s.connected() {
		s.mu.Unlock()
		return nil, ErrConnectionAborted
	}
	s.mu.Unlock()

	readCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := s.next(readCtx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, ErrTimeout
		case !s.isConnected():
			// closed locally while we were reading
			return nil, ErrConnectionAborted
		default:
			s.log.Error("transport failed", logger.Err(err))
			_ = s.Close()
			return nil, fmt.Errorf("session: receive: %w", err)
		}
	}

	s.mu.Lock()
	if !s.connected() {
		s.mu.Unlock()
		return nil, ErrConnectionAborted
	}
	err = s.handle(ctx, msg)
	closeAfter := s.closeAfterDispatch
	s.closeAfterDispatch = false
	s.mu.Unlock()

	if IsFatal(err) {
		_ = s.Close()
		return nil, err
	}
	if closeAfter {
		_ = s.Close()
	}
	return msg, err
}

// next pulls bytes from the transport until the parser yields a message.
// Garbled frames are logged and dropped; they never touch sequence state.
func (s *Session) next(ctx context.Context) (*fix.Message, error) {
	for {
		msg, err := s.parser.Next()
		if err != nil {
			s.log.Warn("dropped garbled frame", logger.Err(err))
			continue
		}
		if msg != nil {
			return msg, nil
		}
		b, err := s.cfg.Transport.Read(ctx)
		if err != nil {
			return nil, err
		}
		s.parser.Feed(b)
	}
}

// Close cancels the heartbeat, then closes the transport and the store.
// Calling it on a closed session does nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.transition(StateDisconnected)
	cancel := s.cancel
	s.mu.Unlock()

	// a fire blocked on s.mu sees Disconnected and returns, so this can't deadlock
	s.hb.Cancel()
	if cancel != nil {
		cancel()
	}

	var errs []error
	if err := s.cfg.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close transport: %w", err))
	}
	ctx, done := context.WithTimeout(context.Background(), disconnectWait)
	defer done()
	if err := s.cfg.Store.Close(ctx, s.id); err != nil {
		errs = append(errs, fmt.Errorf("session: close store: %w", err))
	}

	s.mu.Lock()
	s.resetFlags()
	s.mu.Unlock()

	event := transport.DisconnectEvent{Reason: transport.ReasonClosedClean}
	select {
	case event = <-s.cfg.Transport.Disconnected():
	case <-ctx.Done():
	}
	s.log.Info("disconnected",
		logger.Field{Key: "reason", Value: event.Reason.String()},
		logger.Field{Key: "cause", Value: event.Err})
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(event)
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the session for operators.
type Status struct {
	SessionID            string `json:"session_id"`
	State                string `json:"state"`
	Peer                 string `json:"peer"`
	LocalNext            int    `json:"local_next"`
	RemoteNext           int    `json:"remote_next"`
	WaitingResend        bool   `json:"waiting_resend"`
	WaitingLogoutConfirm bool   `json:"waiting_logout_confirm"`
	LogoutAfterResend    bool   `json:"logout_after_resend"`
}

// Status reads the counters from the store when connected.
func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:            s.id,
		State:                s.state.String(),
		Peer:                 s.handshake.Peer(),
		WaitingResend:        s.waitingResend,
		WaitingLogoutConfirm: s.waitingLogoutConfirm,
		LogoutAfterResend:    s.logoutAfterResend,
	}
	if s.connected() {
		st.LocalNext, _ = s.cfg.Store.GetLocal(ctx, s.id)
		st.RemoteNext, _ = s.cfg.Store.GetRemote(ctx, s.id)
	}
	return st
}
