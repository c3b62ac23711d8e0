package turn

import (
	"regexp"
	"strings"
)

// DefaultFarewellReply is spoken when an end-of-conversation reply carries
// nothing but the marker.
const DefaultFarewellReply = "Goodbye! It was nice talking with you."

// Reply is the typed form of a raw LLM reply. It is either a [PlainReply] or
// an [EndConversation].
type Reply interface {
	// Spoken returns the text to synthesise and record in the history.
	Spoken() string

	// Ends reports whether the assistant asked to end the conversation.
	Ends() bool

	reply()
}

// PlainReply is an ordinary answer.
type PlainReply struct {
	Text string
}

// EndConversation is a reply in which the assistant signalled that the
// conversation is over. Text is the reply with every marker removed.
type EndConversation struct {
	Text string
}

func (r PlainReply) Spoken() string      { return r.Text }
func (r PlainReply) Ends() bool          { return false }
func (PlainReply) reply()                {}
func (r EndConversation) Spoken() string { return r.Text }
func (r EndConversation) Ends() bool     { return true }
func (EndConversation) reply()           {}

// ParseReply classifies raw. When raw contains any of markers (compared
// case-insensitively) the result is an [EndConversation] whose text has every
// marker occurrence removed and whitespace collapsed; if nothing speakable is
// left, [DefaultFarewellReply] is used. Otherwise raw is returned trimmed as a
// [PlainReply]. Empty markers are ignored.
func ParseReply(raw string, markers []string) Reply {
	re := markerPattern(markers)
	if re == nil || !re.MatchString(raw) {
		return PlainReply{Text: strings.TrimSpace(raw)}
	}

	text := strings.Join(strings.Fields(re.ReplaceAllString(raw, " ")), " ")
	if !speakable(text) {
		text = DefaultFarewellReply
	}
	return EndConversation{Text: text}
}

func markerPattern(markers []string) *regexp.Regexp {
	alts := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			alts = append(alts, regexp.QuoteMeta(m))
		}
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)` + strings.Join(alts, "|"))
}

// speakable reports whether s holds at least one letter or digit.
func speakable(s string) bool {
	return strings.IndexFunc(s, isWordRune) >= 0
}
