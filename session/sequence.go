package session

// Verdict is the result of comparing an inbound MsgSeqNum with the
// expected one.
type Verdict int

const (
	InOrder  Verdict = iota // exactly the expected number
	Gap                     // ahead of expected, we missed messages
	FatalGap                // behind expected; the caller decides whether a duplicate marker excuses it
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case FatalGap:
		return "fatal_gap"
	default:
		return "unknown"
	}
}

// Classify compares actual against expected. It has no side effects.
func Classify(expected, actual int) Verdict {
	diff := actual - expected
	switch {
	case diff == 0:
		return InOrder
	case diff > 0:
		return Gap
	default:
		return FatalGap
	}
}
