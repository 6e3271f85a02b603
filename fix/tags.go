// Package fix holds the tag=value message model the session engine works
// with: ordered fields, the well-known header tags, the administrative
// message types, and a minimal codec for framing messages on a byte stream.
package fix

import "time"

// Tag is a numeric FIX field identifier.
type Tag int

// Header and session-level tags read or written by the session engine.
const (
	TagBeginSeqNo          Tag = 7
	TagBeginString         Tag = 8
	TagBodyLength          Tag = 9
	TagCheckSum            Tag = 10
	TagEndSeqNo            Tag = 16
	TagMsgSeqNum           Tag = 34
	TagMsgType             Tag = 35
	TagNewSeqNo            Tag = 36
	TagPossDupFlag         Tag = 43
	TagRefSeqNum           Tag = 45
	TagSenderCompID        Tag = 49
	TagSendingTime         Tag = 52
	TagTargetCompID        Tag = 56
	TagText                Tag = 58
	TagPossResend          Tag = 97
	TagEncryptMethod       Tag = 98
	TagHeartBtInt          Tag = 108
	TagTestReqID           Tag = 112
	TagOrigSendingTime     Tag = 122
	TagGapFillFlag         Tag = 123
	TagResetSeqNumFlag     Tag = 141
	TagRefTagID            Tag = 371
	TagRefMsgType          Tag = 372
	TagSessionRejectReason Tag = 373
)

// Administrative message types.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// SendingTimeLayout is the UTCTimestamp format used for SendingTime and
// OrigSendingTime.
const SendingTimeLayout = "20060102-15:04:05.000"

// FormatTime renders t as a FIX UTCTimestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(SendingTimeLayout)
}

// IsAdmin reports whether msgType is one of the session-level message types
// that are never replayed during resend, only gap-filled. Reject is an
// administrative message in FIX but it is replayed like application traffic.
func IsAdmin(msgType string) bool {
	switch msgType {
	case MsgTypeLogon, MsgTypeLogout, MsgTypeHeartbeat,
		MsgTypeTestRequest, MsgTypeResendRequest, MsgTypeSequenceReset:
		return true
	}
	return false
}

// headerTags are encoded ahead of body fields regardless of insertion order.
var headerTags = map[Tag]bool{
	TagBeginString:     true,
	TagBodyLength:      true,
	TagMsgType:         true,
	TagSenderCompID:    true,
	TagTargetCompID:    true,
	TagMsgSeqNum:       true,
	TagPossDupFlag:     true,
	TagPossResend:      true,
	TagSendingTime:     true,
	TagOrigSendingTime: true,
}

func isHeaderTag(tag Tag) bool {
	return headerTags[tag]
}
