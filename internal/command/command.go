package command

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Kind is the routing decision derived from a command prefix.
type Kind int

const (
	KindRejected Kind = iota
	KindDirect
	KindCorrect
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "DIRECT"
	case KindCorrect:
		return "CORRECT"
	default:
		return "REJECTED"
	}
}

const (
	// PrefixDirect marks text that is spoken verbatim.
	PrefixDirect = "/echo"
	// PrefixCorrect marks text routed through the correction tool first.
	PrefixCorrect = "/vc"
)

// Rejection reasons reported to the input boundary.
const (
	ReasonEmptyPayload = "empty payload"
	ReasonUnknownForm  = "unknown command form"

	// ReasonTooLarge is reported by intake surfaces before classification.
	ReasonTooLarge = "command too large"
)

// Raw is a command as received from the input source.
type Raw struct {
	SequenceID uint64
	Text       string
	ReceivedAt time.Time
}

// Classified is a Raw command with its routing decision attached.
type Classified struct {
	Raw
	Kind    Kind
	Payload string
	Reason  string
}

// Rejected reports whether the command was refused by the classifier.
func (c Classified) Rejected() bool { return c.Kind == KindRejected }

var prefixes = []struct {
	prefix string
	kind   Kind
}{
	{PrefixDirect, KindDirect},
	{PrefixCorrect, KindCorrect},
}

// Classify derives the command kind from its prefix. It never fails: input
// that cannot be routed yields KindRejected with a reason.
func Classify(raw Raw) Classified {
	kind, payload, reason := ClassifyText(raw.Text)
	return Classified{Raw: raw, Kind: kind, Payload: payload, Reason: reason}
}

// ClassifyText is the text-only form of Classify.
func ClassifyText(text string) (Kind, string, string) {
	trimmed := strings.TrimSpace(text)
	for _, p := range prefixes {
		rest, ok := cutPrefix(trimmed, p.prefix)
		if !ok {
			continue
		}
		payload := strings.TrimSpace(rest)
		if payload == "" {
			return KindRejected, "", ReasonEmptyPayload
		}
		return p.kind, payload, ""
	}
	return KindRejected, "", ReasonUnknownForm
}

// cutPrefix matches prefix only when it forms a whole token, so "/echoes"
// is not read as "/echo" followed by "es".
func cutPrefix(s, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return "", false
	}
	if rest == "" {
		return rest, true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return rest, unicode.IsSpace(r)
}
