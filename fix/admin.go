package fix

import "strconv"

// Builders for the administrative messages. They set body fields only; the
// session stamps the standard header on send.

func NewHeartbeat(testReqID string) *Message {
	m := NewMessage(MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(TagTestReqID, testReqID)
	}
	return m
}

func NewTestRequest(testReqID string) *Message {
	return NewMessage(MsgTypeTestRequest).Set(TagTestReqID, testReqID)
}

// NewLogon builds a Logon with no encryption.
func NewLogon(heartBtInt int, reset bool) *Message {
	m := NewMessage(MsgTypeLogon).
		SetInt(TagEncryptMethod, 0).
		SetInt(TagHeartBtInt, heartBtInt)
	if reset {
		m.SetBool(TagResetSeqNumFlag, true)
	}
	return m
}

func NewLogout(text string) *Message {
	m := NewMessage(MsgTypeLogout)
	if text != "" {
		m.Set(TagText, text)
	}
	return m
}

// NewResendRequest asks for [begin, end]; end 0 means through the latest.
func NewResendRequest(begin, end int) *Message {
	return NewMessage(MsgTypeResendRequest).
		SetInt(TagBeginSeqNo, begin).
		SetInt(TagEndSeqNo, end)
}

func NewSequenceReset(newSeqNo int, gapFill bool) *Message {
	m := NewMessage(MsgTypeSequenceReset)
	if gapFill {
		m.SetBool(TagGapFillFlag, true)
	}
	return m.SetInt(TagNewSeqNo, newSeqNo)
}

// NewReject builds a session-level Reject referencing the offending message.
func NewReject(refSeqNum int, refTag Tag, refMsgType string, reason RejectReason, text string) *Message {
	m := NewMessage(MsgTypeReject).SetInt(TagRefSeqNum, refSeqNum)
	if refTag != 0 {
		m.Set(TagRefTagID, strconv.Itoa(int(refTag)))
	}
	if refMsgType != "" {
		m.Set(TagRefMsgType, refMsgType)
	}
	m.SetInt(TagSessionRejectReason, int(reason))
	if text != "" {
		m.Set(TagText, text)
	}
	return m
}
