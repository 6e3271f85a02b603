package session

import (
	"context"
	"fmt"

	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/logger"
	"github.com/risa-org/fixsession/observability"
	"github.com/risa-org/fixsession/store"
)

// requestResend asks the peer for [start, end]; end 0 means everything
// from start on. Must be called with s.mu held.
func (s *Session) requestResend(ctx context.Context, start, end int) error {
	s.waitingResend = true
	if _, err := s.send(ctx, fix.NewResendRequest(start, end), false); err != nil {
		return err
	}
	observability.RecordResend(s.id, observability.ResendRequested)
	s.log.Info("requested resend", logger.Field{Key: "begin", Value: start}, logger.Field{Key: "end", Value: end})
	return nil
}

func (s *Session) onResendRequest(ctx context.Context, msg *fix.Message) error {
	start, err := msg.GetInt(fix.TagBeginSeqNo)
	if err != nil {
		return err
	}
	end, err := msg.GetInt(fix.TagEndSeqNo)
	if err != nil {
		return err
	}
	return s.serveResend(ctx, start, end)
}

// serveResend replays our sent messages in [start, end]. Must be called
// with s.mu held.
func (s *Session) serveResend(ctx context.Context, start, end int) error {
	plan, err := s.resendPlan(ctx, start, end)
	if err != nil {
		return err
	}
	for _, m := range plan {
		if _, err := s.send(ctx, m, true); err != nil {
			return err
		}
		if m.IsGapFill() {
			observability.RecordResend(s.id, observability.ResendGapFill)
		} else {
			observability.RecordResend(s.id, observability.ResendReplayed)
		}
	}
	observability.RecordResend(s.id, observability.ResendServed)
	s.log.Info("served resend",
		logger.Field{Key: "begin", Value: start},
		logger.Field{Key: "end", Value: end},
		logger.Field{Key: "messages", Value: len(plan)})
	return nil
}

// resendPlan builds the replay for [start, end] without sending it.
//
// Runs of administrative messages, and numbers missing from the store, are
// closed with one gap-fill SequenceReset whose header carries the first
// number of the run and whose NewSeqNo is the number after it. Everything
// else is replayed under its original number with PossDupFlag=Y and
// OrigSendingTime. An open or overlong end is clamped to the last number
// we sent.
func (s *Session) resendPlan(ctx context.Context, start, end int) ([]*fix.Message, error) {
	localNext, err := s.cfg.Store.GetLocal(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("session: read local seq: %w", err)
	}
	if end == 0 || end >= localNext {
		end = localNext - 1
	}
	if start < 1 {
		start = 1
	}
	if start > end {
		return nil, nil
	}

	var (
		plan     []*fix.Message
		gapStart int // first number of the pending gap, 0 if none
		next     = start
	)
	for m, err := range s.cfg.Store.GetMessages(ctx, s.id, store.Sent, start, end) {
		if err != nil {
			return nil, fmt.Errorf("session: read sent messages: %w", err)
		}
		seq := m.SeqNum()
		if seq > next && gapStart == 0 {
			gapStart = next
		}
		next = seq + 1

		if m.IsAdmin() {
			if gapStart == 0 {
				gapStart = seq
			}
			continue
		}
		if gapStart != 0 {
			plan = append(plan, s.gapFill(gapStart, seq))
			gapStart = 0
		}
		plan = append(plan, s.replay(m))
	}
	if gapStart == 0 && next <= end {
		gapStart = next
	}
	if gapStart != 0 {
		plan = append(plan, s.gapFill(gapStart, end+1))
	}
	return plan, nil
}

func (s *Session) gapFill(seq, newSeqNo int) *fix.Message {
	m := fix.NewSequenceReset(newSeqNo, true)
	s.sender.Stamp(m, seq)
	return m.SetBool(fix.TagPossDupFlag, true)
}

func (s *Session) replay(orig *fix.Message) *fix.Message {
	m := orig.Clone()
	if sent, ok := m.Get(fix.TagSendingTime); ok {
		m.Set(fix.TagOrigSendingTime, sent)
	}
	return m.
		SetBool(fix.TagPossDupFlag, true).
		Set(fix.TagSendingTime, fix.FormatTime(s.sender.Now()))
}
