package schema

// MessageType describes how a transcript entry is rendered.
type MessageType string

const (
	// MessageText is markdown text.
	MessageText MessageType = "text"
	// MessageCode is raw code with an optional language.
	MessageCode MessageType = "code"
	// MessageSubheader is a section heading.
	MessageSubheader MessageType = "subheader"
	// MessageTag is a short colored label.
	MessageTag MessageType = "tag"
	// MessageIframe carries a URL to embed.
	MessageIframe MessageType = "iframe"
	// MessageStatus is a connection status line, never persisted or rendered.
	MessageStatus MessageType = "status"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	// RoleUser marks operator input.
	RoleUser Role = "user"
	// RoleAssistant marks backend output.
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Type       MessageType `json:"type"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Language   string      `json:"language,omitempty"`
	Filename   string      `json:"filename,omitempty"`
	Color      string      `json:"color,omitempty"`
	Background string      `json:"background,omitempty"`
	AgentID    AgentName   `json:"agentId,omitempty"`
}

// CloneMessages returns a copy of msgs. A nil slice stays nil.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// VisibleMessages drops status entries, which only matter while streaming.
func VisibleMessages(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Type == MessageStatus {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// TranscriptEvent reports the transcript after a flush.
type TranscriptEvent struct {
	Messages []Message
	Revision uint64
}
