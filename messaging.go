package arbor

import (
	"context"
	"encoding/json"
	"time"
)

// MessageContent is either plain text or media with optional caption text.
type MessageContent struct {
	Text  string        `json:"text,omitempty"`
	Media *MediaContent `json:"media,omitempty"`
}

// MediaContent carries a media attachment from a messaging platform.
type MediaContent struct {
	Text     string `json:"text,omitempty"` // caption
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// DisplayText returns the textual portion of the content: the text itself,
// or the media caption.
func (c MessageContent) DisplayText() string {
	if c.Media != nil && c.Text == "" {
		return c.Media.Text
	}
	return c.Text
}

// TextContent wraps plain text as MessageContent.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// InboundMessage is a message arriving from a messaging platform or from
// another agent (source "internal").
type InboundMessage struct {
	ID              string                     `json:"id"`
	Source          string                     `json:"source"` // adapter name, or "internal"/"system"
	ConversationID  ChannelID                  `json:"conversation_id"`
	SenderID        string                     `json:"sender_id"`
	AgentID         AgentID                    `json:"agent_id,omitempty"` // target agent, when addressed
	Content         MessageContent             `json:"content"`
	Timestamp       time.Time                  `json:"timestamp"`
	Metadata        map[string]json.RawMessage `json:"metadata,omitempty"`
	FormattedAuthor string                     `json:"formatted_author,omitempty"`
}

// MetaString reads a string value from the message metadata.
func (m *InboundMessage) MetaString(key string) string {
	raw, ok := m.Metadata[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// SetMeta stores a JSON-encodable value in the message metadata.
func (m *InboundMessage) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]json.RawMessage)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	m.Metadata[key] = data
}

// StatusUpdate is a non-text outbound signal to a messaging platform.
type StatusUpdate string

const (
	StatusStartTyping StatusUpdate = "start_typing"
	StatusStopTyping  StatusUpdate = "stop_typing"
)

// OutboundResponse is what a channel emits back toward a platform adapter.
// Exactly one of Text or Status is set.
type OutboundResponse struct {
	Text   string       `json:"text,omitempty"`
	Status StatusUpdate `json:"status,omitempty"`
}

// TextResponse wraps reply text as an OutboundResponse.
func TextResponse(text string) OutboundResponse {
	return OutboundResponse{Text: text}
}

// MessagingAdapter is one platform connection managed by a MessagingManager.
type MessagingAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// MessagingManager is the boundary between the agent core and external
// messaging platforms. The core only injects inbound messages and
// broadcasts outbound responses; adapter wire protocols live outside.
type MessagingManager interface {
	// InjectMessage routes an inbound message to the owning agent's channel.
	InjectMessage(ctx context.Context, msg InboundMessage) error
	// Broadcast delivers an outbound response through the named adapter.
	Broadcast(ctx context.Context, adapter, target string, resp OutboundResponse) error
	// RegisterAndStart adds an adapter and starts it.
	RegisterAndStart(ctx context.Context, adapter MessagingAdapter) error
	// RemoveAdapter stops and removes an adapter by name.
	RemoveAdapter(name string) error
}
