package fix

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is one tag=value pair. Values are kept as raw strings; typing is
// left to the accessors that need it.
type Field struct {
	Tag   Tag
	Value string
}

// Message is an ordered list of fields. The same tag may appear more than
// once (repeating groups); header accessors read the first occurrence.
type Message struct {
	fields []Field
}

// NewMessage creates an empty message of the given type.
func NewMessage(msgType string) *Message {
	m := &Message{}
	m.Set(TagMsgType, msgType)
	return m
}

// NewMessageFromFields builds a message from fields in the order given.
func NewMessageFromFields(fields []Field) *Message {
	m := &Message{fields: make([]Field, len(fields))}
	copy(m.fields, fields)
	return m
}

// Fields returns a copy of the fields in order.
func (m *Message) Fields() []Field {
	out := make([]Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	return NewMessageFromFields(m.fields)
}

// Get returns the value of the first occurrence of tag.
func (m *Message) Get(tag Tag) (string, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// GetAll returns the values of every occurrence of tag, in order.
func (m *Message) GetAll(tag Tag) []string {
	var out []string
	for _, f := range m.fields {
		if f.Tag == tag {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether tag is present.
func (m *Message) Has(tag Tag) bool {
	_, ok := m.Get(tag)
	return ok
}

// GetInt parses the first occurrence of tag as an integer.
func (m *Message) GetInt(tag Tag) (int, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, &InvalidMessageError{Msg: m, Tag: tag, Reason: RequiredTagMissing}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &InvalidMessageError{Msg: m, Tag: tag, Reason: IncorrectDataFormat}
	}
	return n, nil
}

// GetBool reads a Y/N field. A missing field reads as false.
func (m *Message) GetBool(tag Tag) bool {
	v, _ := m.Get(tag)
	return v == "Y"
}

// Set replaces every occurrence of tag with a single field holding value.
// The field keeps the position of the first occurrence, or is appended.
func (m *Message) Set(tag Tag, value string) *Message {
	idx := -1
	out := m.fields[:0]
	for _, f := range m.fields {
		if f.Tag == tag {
			if idx >= 0 {
				continue
			}
			idx = len(out)
			f.Value = value
		}
		out = append(out, f)
	}
	m.fields = out
	if idx < 0 {
		m.fields = append(m.fields, Field{Tag: tag, Value: value})
	}
	return m
}

// SetInt sets tag to the decimal form of v.
func (m *Message) SetInt(tag Tag, v int) *Message {
	return m.Set(tag, strconv.Itoa(v))
}

// SetBool sets tag to Y or N.
func (m *Message) SetBool(tag Tag, v bool) *Message {
	if v {
		return m.Set(tag, "Y")
	}
	return m.Set(tag, "N")
}

// Add appends a field without touching existing occurrences of tag.
func (m *Message) Add(tag Tag, value string) *Message {
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
	return m
}

// Del removes every occurrence of tag.
func (m *Message) Del(tag Tag) *Message {
	out := m.fields[:0]
	for _, f := range m.fields {
		if f.Tag != tag {
			out = append(out, f)
		}
	}
	m.fields = out
	return m
}

// MsgType returns the MsgType(35) value.
func (m *Message) MsgType() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// SeqNum returns MsgSeqNum(34), or 0 when absent or malformed.
func (m *Message) SeqNum() int {
	n, err := m.GetInt(TagMsgSeqNum)
	if err != nil {
		return 0
	}
	return n
}

// IsDuplicate reports PossDupFlag=Y.
func (m *Message) IsDuplicate() bool {
	return m.GetBool(TagPossDupFlag)
}

// IsGapFill reports a SequenceReset carrying GapFillFlag=Y.
func (m *Message) IsGapFill() bool {
	return m.MsgType() == MsgTypeSequenceReset && m.GetBool(TagGapFillFlag)
}

// IsResetSeqNum reports ResetSeqNumFlag=Y.
func (m *Message) IsResetSeqNum() bool {
	return m.GetBool(TagResetSeqNumFlag)
}

// IsAdmin reports whether the message is administrative (see IsAdmin).
func (m *Message) IsAdmin() bool {
	return IsAdmin(m.MsgType())
}

// String renders the message with '|' in place of SOH, for logs.
func (m *Message) String() string {
	var b strings.Builder
	for _, f := range m.fields {
		fmt.Fprintf(&b, "%d=%s|", f.Tag, f.Value)
	}
	return b.String()
}
