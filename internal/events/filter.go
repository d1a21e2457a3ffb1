package events

import (
	"fmt"
	"strings"
)

// NarrowOperator is the kind of a narrow term.
type NarrowOperator int

const (
	NarrowStream NarrowOperator = iota + 1
	NarrowTopic
	NarrowSender
	NarrowIs
)

var narrowOperatorNames = map[NarrowOperator]string{
	NarrowStream: "stream",
	NarrowTopic:  "topic",
	NarrowSender: "sender",
	NarrowIs:     "is",
}

func (o NarrowOperator) String() string {
	if name, ok := narrowOperatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("NarrowOperator(%d)", int(o))
}

// NarrowIsPrivate is the only operand accepted by the "is" operator.
const NarrowIsPrivate = "private"

// NarrowTerm is one typed [operator, operand] restriction on message events.
type NarrowTerm struct {
	Operator NarrowOperator
	Operand  string
}

// Pair returns the wire form of the term.
func (t NarrowTerm) Pair() []string {
	return []string{t.Operator.String(), t.Operand}
}

// matches reports whether a message satisfies the term.
// Names, topics and emails compare case-insensitively.
func (t NarrowTerm) matches(m *Message) bool {
	switch t.Operator {
	case NarrowStream:
		return m.Type == RecipientStream && strings.EqualFold(m.StreamName(), t.Operand)
	case NarrowTopic:
		return m.Type == RecipientStream && strings.EqualFold(m.Subject, t.Operand)
	case NarrowSender:
		return strings.EqualFold(m.SenderEmail, t.Operand)
	case NarrowIs:
		return t.Operand == NarrowIsPrivate && m.Type == RecipientPrivate
	default:
		return false
	}
}

// ParseNarrow converts [operator, operand] pairs into typed terms.
func ParseNarrow(pairs [][]string) ([]NarrowTerm, error) {
	terms := make([]NarrowTerm, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: narrow[%d] must be an [operator, operand] pair", ErrInvalidFilter, i)
		}
		operand := strings.TrimSpace(pair[1])
		if operand == "" {
			return nil, fmt.Errorf("%w: narrow[%d] has an empty operand", ErrInvalidFilter, i)
		}

		var op NarrowOperator
		switch strings.ToLower(strings.TrimSpace(pair[0])) {
		case "stream":
			op = NarrowStream
		case "topic", "subject":
			op = NarrowTopic
		case "sender":
			op = NarrowSender
		case "is":
			op = NarrowIs
			if strings.ToLower(operand) != NarrowIsPrivate {
				return nil, fmt.Errorf("%w: unsupported narrow is:%s", ErrInvalidFilter, operand)
			}
			operand = NarrowIsPrivate
		default:
			return nil, fmt.Errorf("%w: unknown narrow operator %q", ErrInvalidFilter, pair[0])
		}
		terms = append(terms, NarrowTerm{Operator: op, Operand: operand})
	}
	return terms, nil
}

// Filter is the delivery scope a queue was registered with.
type Filter struct {
	// EventTypes is the allow-list of event types; nil accepts every type.
	EventTypes       []string
	Narrow           []NarrowTerm
	AllPublicStreams bool
	ApplyMarkdown    bool
	ClientName       string
}

// Validate checks that every allow-listed type is known.
func (f Filter) Validate() error {
	for _, t := range f.EventTypes {
		if !isKnownEventType(t) {
			return fmt.Errorf("%w: unknown event type %q", ErrInvalidFilter, t)
		}
	}
	for _, term := range f.Narrow {
		if _, ok := narrowOperatorNames[term.Operator]; !ok || term.Operand == "" {
			return fmt.Errorf("%w: malformed narrow term", ErrInvalidFilter)
		}
	}
	return nil
}

// WantsType reports whether the allow-list admits eventType.
func (f Filter) WantsType(eventType string) bool {
	if f.EventTypes == nil {
		return true
	}
	for _, t := range f.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Accepts reports whether an event passes the type allow-list and, for
// message events, every narrow term. Other event types ignore the narrow.
func (f Filter) Accepts(e Event) bool {
	if !f.WantsType(e.Type()) {
		return false
	}
	if len(f.Narrow) == 0 {
		return true
	}

	var msg *Message
	switch p := e.Payload.(type) {
	case MessageEvent:
		msg = &p.Message
	case *MessageEvent:
		msg = &p.Message
	default:
		return true
	}
	for _, term := range f.Narrow {
		if !term.matches(msg) {
			return false
		}
	}
	return true
}

// NarrowPairs returns the wire form of the narrow.
func (f Filter) NarrowPairs() [][]string {
	pairs := make([][]string, 0, len(f.Narrow))
	for _, term := range f.Narrow {
		pairs = append(pairs, term.Pair())
	}
	return pairs
}

func isKnownEventType(t string) bool {
	for _, known := range KnownEventTypes {
		if known == t {
			return true
		}
	}
	return false
}
