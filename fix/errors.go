package fix

import "fmt"

// RejectReason is a SessionRejectReason(373) code.
type RejectReason int

const (
	InvalidTagNumber           RejectReason = 0
	RequiredTagMissing         RejectReason = 1
	TagNotDefinedForMsgType    RejectReason = 2
	UndefinedTag               RejectReason = 3
	TagSpecifiedWithoutValue   RejectReason = 4
	ValueIsIncorrect           RejectReason = 5
	IncorrectDataFormat        RejectReason = 6
	CompIDProblem              RejectReason = 9
	SendingTimeAccuracyProblem RejectReason = 10
	InvalidMsgType             RejectReason = 11
)

func (r RejectReason) String() string {
	switch r {
	case InvalidTagNumber:
		return "invalid tag number"
	case RequiredTagMissing:
		return "required tag missing"
	case TagNotDefinedForMsgType:
		return "tag not defined for this message type"
	case UndefinedTag:
		return "undefined tag"
	case TagSpecifiedWithoutValue:
		return "tag specified without a value"
	case ValueIsIncorrect:
		return "value is incorrect"
	case IncorrectDataFormat:
		return "incorrect data format for value"
	case CompIDProblem:
		return "comp id problem"
	case SendingTimeAccuracyProblem:
		return "sending time accuracy problem"
	case InvalidMsgType:
		return "invalid msg type"
	default:
		return fmt.Sprintf("reject reason %d", int(r))
	}
}

// InvalidMessageError is a local validation failure on an inbound message.
// The session answers it with a Reject and carries on.
type InvalidMessageError struct {
	Msg    *Message
	Tag    Tag
	Reason RejectReason
	Text   string
}

func (e *InvalidMessageError) Error() string {
	text := e.Text
	if text == "" {
		text = e.Reason.String()
	}
	return fmt.Sprintf("fix: invalid message (tag %d): %s", e.Tag, text)
}

// NewInvalidMessageError builds an InvalidMessageError whose text defaults
// to the reason description.
func NewInvalidMessageError(msg *Message, tag Tag, reason RejectReason, text string) *InvalidMessageError {
	if text == "" {
		text = reason.String()
	}
	return &InvalidMessageError{Msg: msg, Tag: tag, Reason: reason, Text: text}
}
