package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/logger"
	"github.com/risa-org/fixsession/observability"
	"github.com/risa-org/fixsession/store"
)

// handle runs dispatch and deals with its error. Must be called with s.mu held.
func (s *Session) handle(ctx context.Context, msg *fix.Message) error {
	s.log.Debug("received", logger.Field{Key: "msg", Value: msg.String()})
	observability.RecordMessage(s.id, store.Received.String(), msg.MsgType())

	err := s.dispatch(ctx, msg)

	var (
		invalid  *fix.InvalidMessageError
		gap      *SequenceGapError
		fatal    *FatalSequenceGapError
		rejected *FixRejectionError
	)
	switch {
	case err == nil:
	case errors.As(err, &invalid):
		s.log.Warn("invalid message", logger.Err(err), logger.Field{Key: "seq", Value: msg.SeqNum()})
		if rerr := s.sendReject(ctx, msg, invalid); rerr != nil {
			return rerr
		}
	case errors.As(err, &gap):
		s.log.Warn("sequence gap", logger.Field{Key: "expected", Value: gap.Expected}, logger.Field{Key: "actual", Value: gap.Actual})
	case errors.As(err, &fatal):
		s.log.Error("fatal sequence gap", logger.Field{Key: "expected", Value: fatal.Expected}, logger.Field{Key: "actual", Value: fatal.Actual})
	case errors.As(err, &rejected):
		s.log.Error("peer rejected a message", logger.Field{Key: "reason", Value: rejected.Reason})
	default:
		s.log.Error("dispatch failed", logger.Err(err))
	}
	return err
}

func (s *Session) sendReject(ctx context.Context, msg *fix.Message, invalid *fix.InvalidMessageError) error {
	reject := fix.NewReject(msg.SeqNum(), invalid.Tag, msg.MsgType(), invalid.Reason, invalid.Text)
	if _, err := s.send(ctx, reject, false); err != nil {
		return err
	}
	observability.RecordReject(s.id, store.Sent.String())
	return nil
}

// dispatch is the inbound algorithm: persist, classify, then route.
// Must be called with s.mu held.
func (s *Session) dispatch(ctx context.Context, msg *fix.Message) error {
	actual, err := msg.GetInt(fix.TagMsgSeqNum)
	if err != nil {
		return err
	}
	if err := s.cfg.Store.StoreMessage(ctx, s.id, store.Received, msg); err != nil {
		return fmt.Errorf("session: persist inbound: %w", err)
	}
	expected, err := s.cfg.Store.GetRemote(ctx, s.id)
	if err != nil {
		return fmt.Errorf("session: read remote seq: %w", err)
	}

	switch Classify(expected, actual) {
	case FatalGap:
		return s.onFatalGap(ctx, msg, expected, actual)
	case Gap:
		return s.onGap(ctx, msg, expected, actual)
	default:
		return s.onInOrder(ctx, msg, expected)
	}
}

func isResetMode(msg *fix.Message) bool {
	return msg.MsgType() == fix.MsgTypeSequenceReset && !msg.GetBool(fix.TagGapFillFlag)
}

func isResetLogon(msg *fix.Message) bool {
	return msg.MsgType() == fix.MsgTypeLogon && msg.IsResetSeqNum()
}

// onFatalGap handles a number below expected. Legitimate recovery messages
// are let through; anything else ends the session.
func (s *Session) onFatalGap(ctx context.Context, msg *fix.Message, expected, actual int) error {
	switch {
	case isResetMode(msg):
		return s.applySequenceReset(ctx, msg)
	case isResetLogon(msg):
		return s.onLogon(ctx, msg)
	case msg.IsDuplicate():
		s.log.Debug("ignored possible duplicate", logger.Field{Key: "seq", Value: actual})
		return nil
	}
	observability.RecordGap(s.id, true)
	return &FatalSequenceGapError{Actual: actual, Expected: expected}
}

// onGap handles a number above expected.
func (s *Session) onGap(ctx context.Context, msg *fix.Message, expected, actual int) error {
	observability.RecordGap(s.id, false)
	if s.waitingResend {
		s.resendUpTo = max(s.resendUpTo, actual)
	}

	switch msg.MsgType() {
	case fix.MsgTypeResendRequest:
		// honoured even while we wait on our own resend, or both sides stall
		return s.onResendRequest(ctx, msg)
	case fix.MsgTypeLogout:
		s.logoutAfterResend = true
		if s.waitingResend {
			s.log.Info("deferred logout until resend completes")
			return nil
		}
	}

	if s.waitingResend {
		s.log.Debug("ignored message during resend", logger.Field{Key: "seq", Value: actual})
		return nil
	}
	if msg.MsgType() == fix.MsgTypeLogon {
		if err := s.onLogon(ctx, msg); err != nil {
			return err
		}
		if msg.IsResetSeqNum() {
			return nil
		}
	}
	if isResetMode(msg) {
		return s.applySequenceReset(ctx, msg)
	}

	s.resendUpTo = actual
	if err := s.requestResend(ctx, expected, 0); err != nil {
		return err
	}
	return &SequenceGapError{Actual: actual, Expected: expected}
}

// onInOrder handles the expected number and routes by MsgType.
func (s *Session) onInOrder(ctx context.Context, msg *fix.Message, expected int) error {
	if _, err := s.cfg.Store.IncrRemote(ctx, s.id); err != nil {
		return fmt.Errorf("session: advance remote seq: %w", err)
	}

	next := expected + 1
	if msg.MsgType() == fix.MsgTypeSequenceReset {
		newSeq, err := msg.GetInt(fix.TagNewSeqNo)
		if err != nil {
			return err
		}
		if newSeq <= expected {
			return fix.NewInvalidMessageError(msg, fix.TagNewSeqNo, fix.ValueIsIncorrect,
				fmt.Sprintf("NewSeqNo %d would lower expected sequence %d", newSeq, expected+1))
		}
		next = newSeq
	}

	if msg.IsDuplicate() && msg.IsAdmin() && msg.MsgType() != fix.MsgTypeSequenceReset {
		return nil
	}

	// A fresh message ends the resend, and so does a replay that carries
	// us past everything the peer sent while we were gapped.
	resent := s.waitingResend && (!msg.IsDuplicate() || next > s.resendUpTo)
	if resent {
		s.waitingResend = false
		s.resendUpTo = 0
		s.log.Info("resend complete", logger.Field{Key: "remote_next", Value: next})
	}

	err := s.route(ctx, msg)
	if resent && s.logoutAfterResend {
		s.logoutAfterResend = false
		if !s.closeAfterDispatch {
			if lerr := s.onLogout(ctx); lerr != nil {
				return lerr
			}
		}
	}
	return err
}

// route acts on an in-order message by MsgType.
func (s *Session) route(ctx context.Context, msg *fix.Message) error {
	switch msg.MsgType() {
	case fix.MsgTypeLogon:
		return s.onLogon(ctx, msg)
	case fix.MsgTypeTestRequest:
		id, _ := msg.Get(fix.TagTestReqID)
		_, err := s.send(ctx, fix.NewHeartbeat(id), false)
		return err
	case fix.MsgTypeReject:
		observability.RecordReject(s.id, store.Received.String())
		return newRejection(msg)
	case fix.MsgTypeResendRequest:
		return s.onResendRequest(ctx, msg)
	case fix.MsgTypeSequenceReset:
		return s.applySequenceReset(ctx, msg)
	case fix.MsgTypeLogout:
		return s.onLogout(ctx)
	}
	return nil
}

// onLogon validates the peer's Logon and replies if we did not initiate.
func (s *Session) onLogon(ctx context.Context, msg *fix.Message) error {
	res, err := s.handshake.Logon(ctx, msg)
	if err != nil {
		return err
	}
	if res.Reset {
		if err := s.cfg.Store.SetRemote(ctx, s.id, 2); err != nil {
			return fmt.Errorf("session: reset remote seq: %w", err)
		}
	}
	if s.ident.TargetCompID == "" {
		s.sender.SetTargetCompID(res.Peer)
	}
	if res.Reply {
		if err := s.logon(ctx, res.Reset); err != nil {
			return err
		}
	}
	s.log.Info("logon complete",
		logger.Field{Key: "peer", Value: res.Peer},
		logger.Field{Key: "reset", Value: res.Reset},
		logger.Field{Key: "replied", Value: res.Reply})
	s.transition(StateActive)
	return nil
}

// onLogout either completes our logoff or answers the peer's.
func (s *Session) onLogout(ctx context.Context) error {
	if s.waitingLogoutConfirm {
		s.log.Info("logout confirmed")
		s.closeAfterDispatch = true
		return nil
	}
	return s.answerLogout(ctx)
}

func (s *Session) answerLogout(ctx context.Context) error {
	s.log.Info("peer logged out")
	if _, err := s.send(ctx, fix.NewLogout(""), false); err != nil {
		return err
	}
	s.transition(StateLoggingOut)
	s.closeAfterDispatch = true
	return nil
}

// applySequenceReset moves the remote expectation to NewSeqNo.
func (s *Session) applySequenceReset(ctx context.Context, msg *fix.Message) error {
	newSeq, err := msg.GetInt(fix.TagNewSeqNo)
	if err != nil {
		return err
	}
	if err := s.cfg.Store.SetRemote(ctx, s.id, newSeq); err != nil {
		return fmt.Errorf("session: apply sequence reset: %w", err)
	}
	s.log.Info("sequence reset",
		logger.Field{Key: "new_seq_no", Value: newSeq},
		logger.Field{Key: "gap_fill", Value: msg.IsGapFill()})
	return nil
}
