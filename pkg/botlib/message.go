// Package botlib provides a simple library for building cipherchat bots.
package botlib

import (
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Kind tells what produced a line received from the server
type Kind int

const (
	KindChat  Kind = iota // "(identity): text"
	KindJoin              // "identity conectado"
	KindLeave             // "identity desconectado"
	KindOther             // anything the bot could not classify
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "other"
	}
}

// Message represents a decrypted line received by the bot.
type Message struct {
	Kind       Kind
	Author     string // identity of the sender, or of the session that joined/left
	Content    string // message text; empty for presence notices
	Raw        string
	ReceivedAt time.Time

	// Internal: the bot's identity for mention detection
	botIdentity string
}

// ParseMessage classifies a plaintext line relayed by a chat server.
func ParseMessage(line string) Message {
	msg := Message{Kind: KindOther, Raw: line, ReceivedAt: time.Now()}

	if strings.HasPrefix(line, "(") {
		if end := strings.Index(line, "): "); end > 1 {
			msg.Kind = KindChat
			msg.Author = line[1:end]
			msg.Content = line[end+3:]
			return msg
		}
	}
	// Leave first: " desconectado" also ends in "conectado"
	if name, ok := strings.CutSuffix(line, protocol.ChatLeaveSuffix); ok && name != "" {
		msg.Kind = KindLeave
		msg.Author = name
		return msg
	}
	if name, ok := strings.CutSuffix(line, protocol.ChatJoinSuffix); ok && name != "" {
		msg.Kind = KindJoin
		msg.Author = name
		return msg
	}
	msg.Content = line
	return msg
}

// IsPresence returns true for join and leave notices.
func (m *Message) IsPresence() bool {
	return m.Kind == KindJoin || m.Kind == KindLeave
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @identity patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botIdentity == "" || m.Kind != KindChat {
		return false
	}

	content := strings.ToLower(m.Content)
	identity := strings.ToLower(m.botIdentity)

	if strings.Contains(content, "@"+identity) {
		return true
	}

	// Also check for identity at start of message (common pattern)
	if strings.HasPrefix(content, identity+":") ||
		strings.HasPrefix(content, identity+",") ||
		strings.HasPrefix(content, identity+" ") {
		return true
	}

	return false
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual command.
func (m *Message) MentionedContent() string {
	if m.botIdentity == "" {
		return m.Content
	}

	content := m.Content
	identity := m.botIdentity

	// Remove @identity mentions
	content = strings.ReplaceAll(content, "@"+identity, "")
	content = strings.ReplaceAll(content, "@"+strings.ToLower(identity), "")

	// Remove identity: or identity, prefix
	lower := strings.ToLower(content)
	lowerID := strings.ToLower(identity)
	if strings.HasPrefix(lower, lowerID+":") ||
		strings.HasPrefix(lower, lowerID+",") ||
		strings.HasPrefix(lower, lowerID+" ") {
		content = content[len(identity)+1:]
	}

	return strings.TrimSpace(content)
}
