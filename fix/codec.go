package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// SOH is the field delimiter.
const SOH byte = 0x01

// MaxMessageSize bounds how much unframed data the parser buffers before it
// gives up on the current candidate frame.
const MaxMessageSize = 1 << 20

var (
	ErrGarbled     = errors.New("fix: garbled message")
	ErrBadCheckSum = errors.New("fix: checksum mismatch")
	ErrIncomplete  = errors.New("fix: incomplete message")
)

// Bytes encodes the message as a wire frame. BodyLength and CheckSum are
// computed here; any values already present for them are ignored.
func (m *Message) Bytes() []byte {
	var body bytes.Buffer
	begin, _ := m.Get(TagBeginString)

	writeField := func(buf *bytes.Buffer, f Field) {
		buf.WriteString(strconv.Itoa(int(f.Tag)))
		buf.WriteByte('=')
		buf.WriteString(f.Value)
		buf.WriteByte(SOH)
	}

	if v, ok := m.Get(TagMsgType); ok {
		writeField(&body, Field{Tag: TagMsgType, Value: v})
	}
	for _, f := range m.fields {
		if f.Tag == TagBeginString || f.Tag == TagBodyLength || f.Tag == TagMsgType || f.Tag == TagCheckSum {
			continue
		}
		if isHeaderTag(f.Tag) {
			writeField(&body, f)
		}
	}
	for _, f := range m.fields {
		if f.Tag == TagCheckSum || isHeaderTag(f.Tag) {
			continue
		}
		writeField(&body, f)
	}

	var out bytes.Buffer
	writeField(&out, Field{Tag: TagBeginString, Value: begin})
	writeField(&out, Field{Tag: TagBodyLength, Value: strconv.Itoa(body.Len())})
	out.Write(body.Bytes())
	writeField(&out, Field{Tag: TagCheckSum, Value: fmt.Sprintf("%03d", checksum(out.Bytes()))})
	return out.Bytes()
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}

var beginPrefix = []byte("8=FIX")

// Parser splits a byte stream into messages. Feed it whatever the transport
// returns and drain it with Next; partial frames stay buffered.
type Parser struct {
	buf []byte
}

// NewParser creates an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends raw bytes from the transport.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes waiting to be framed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Next returns the next complete message. It returns (nil, nil) when more
// data is needed. A frame with a bad length or checksum is consumed and
// reported as an error wrapping ErrGarbled; the caller may keep calling Next.
func (p *Parser) Next() (*Message, error) {
	start := bytes.Index(p.buf, beginPrefix)
	if start < 0 {
		// keep a tail that may hold the start of the next frame
		if keep := len(beginPrefix) - 1; len(p.buf) > keep {
			p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)
		}
		return nil, nil
	}
	if start > 0 {
		p.buf = p.buf[start:]
	}

	beginEnd := bytes.IndexByte(p.buf, SOH)
	if beginEnd < 0 {
		return nil, p.overflow()
	}
	rest := p.buf[beginEnd+1:]
	if len(rest) < 2 {
		return nil, nil
	}
	if rest[0] != '9' || rest[1] != '=' {
		p.skip()
		return nil, fmt.Errorf("%w: BodyLength must follow BeginString", ErrGarbled)
	}
	lenEnd := bytes.IndexByte(rest, SOH)
	if lenEnd < 0 {
		return nil, p.overflow()
	}
	bodyLen, err := strconv.Atoi(string(rest[2:lenEnd]))
	if err != nil || bodyLen < 0 {
		p.skip()
		return nil, fmt.Errorf("%w: bad BodyLength %q", ErrGarbled, rest[2:lenEnd])
	}

	bodyStart := beginEnd + 1 + lenEnd + 1
	bodyEnd := bodyStart + bodyLen
	frameEnd := bodyEnd + 7 // 10=NNN<SOH>
	if bodyEnd > MaxMessageSize {
		p.skip()
		return nil, fmt.Errorf("%w: BodyLength %d too large", ErrGarbled, bodyLen)
	}
	if len(p.buf) < frameEnd {
		return nil, nil
	}

	trailer := p.buf[bodyEnd:frameEnd]
	if !bytes.HasPrefix(trailer, []byte("10=")) || trailer[6] != SOH {
		p.skip()
		return nil, fmt.Errorf("%w: CheckSum not at BodyLength offset", ErrGarbled)
	}
	want, err := strconv.Atoi(string(trailer[3:6]))
	if err != nil {
		p.skip()
		return nil, fmt.Errorf("%w: bad CheckSum %q", ErrGarbled, trailer[3:6])
	}

	frame := make([]byte, frameEnd)
	copy(frame, p.buf[:frameEnd])
	p.buf = p.buf[frameEnd:]

	if got := checksum(frame[:bodyEnd]); got != want {
		return nil, fmt.Errorf("%w: %w: got %03d want %03d", ErrGarbled, ErrBadCheckSum, got, want)
	}
	return decodeFields(frame[:bodyEnd])
}

// skip drops the current "8=" so the next call resynchronises on a later frame.
func (p *Parser) skip() {
	p.buf = p.buf[2:]
}

func (p *Parser) overflow() error {
	if len(p.buf) > MaxMessageSize {
		p.skip()
		return fmt.Errorf("%w: unterminated header", ErrGarbled)
	}
	return nil
}

func decodeFields(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		end := bytes.IndexByte(b, SOH)
		if end < 0 {
			end = len(b)
		}
		raw := b[:end]
		b = b[min(end+1, len(b)):]

		eq := bytes.IndexByte(raw, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: malformed field %q", ErrGarbled, raw)
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil {
			return nil, fmt.Errorf("%w: non-numeric tag %q", ErrGarbled, raw[:eq])
		}
		if Tag(tag) == TagBodyLength || Tag(tag) == TagCheckSum {
			continue
		}
		m.fields = append(m.fields, Field{Tag: Tag(tag), Value: string(raw[eq+1:])})
	}
	return m, nil
}

// Parse decodes exactly one wire frame.
func Parse(data []byte) (*Message, error) {
	p := NewParser()
	p.Feed(data)
	m, err := p.Next()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrIncomplete
	}
	return m, nil
}
