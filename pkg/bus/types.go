package bus

// InboundMessage is a normalized message received from an account,
// handed to the host for processing.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	Account    string            `json:"account"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"` // "group:<id>" or "private:<id>"
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply payload the host wants delivered. ReplyTo
// carries the originating inbound message id and keys the duplicate
// suppression window.
type OutboundMessage struct {
	Channel string   `json:"channel"`
	Account string   `json:"account"`
	ChatID  string   `json:"chat_id"`
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type MessageHandler func(InboundMessage) error
