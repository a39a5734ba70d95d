package channels

import (
	"strconv"
	"strings"

	"github.com/sipeed/onebridge/pkg/onebot"
)

// mediaPlaceholder substitutes for the text of a media-only message so
// downstream processing still occurs.
const mediaPlaceholder = "[image]"

// NormalizedMessage is the canonical form of an inbound message event.
type NormalizedMessage struct {
	Kind           string // "group" or "private"
	ConversationID int64
	SenderID       int64
	SenderName     string
	Text           string
	MediaRef       string
	Addressed      bool
}

// ChatID renders the conversation as the string target form used across
// the bus ("group:<id>" or "private:<id>").
func (n *NormalizedMessage) ChatID() string {
	return n.Kind + ":" + strconv.FormatInt(n.ConversationID, 10)
}

// normalizeMessage converts a raw message event into its canonical
// form. Returns false when the event carries neither text nor media and
// should be dropped.
func normalizeMessage(evt *onebot.MessageEvent, selfID int64, triggerPrefixes []string) (*NormalizedMessage, bool) {
	text := evt.Message.PlainText()
	mediaRef := evt.Message.FirstImageRef()

	if text == "" && mediaRef == "" {
		return nil, false
	}
	if text == "" {
		text = mediaPlaceholder
	}

	norm := &NormalizedMessage{
		Kind:           "private",
		ConversationID: evt.UserID,
		SenderID:       evt.UserID,
		SenderName:     evt.Sender.DisplayName(),
		Text:           text,
		MediaRef:       mediaRef,
		Addressed:      true,
	}

	if evt.IsGroup() {
		norm.Kind = "group"
		norm.ConversationID = evt.GroupID
		norm.Addressed = groupAddressed(evt, selfID, text, triggerPrefixes)
	}

	return norm, true
}

// groupAddressed decides whether a group message targets the bot: an at
// segment for the bot's identity, the legacy inline CQ mention marker,
// or a configured trigger prefix.
func groupAddressed(evt *onebot.MessageEvent, selfID int64, text string, triggerPrefixes []string) bool {
	self := strconv.FormatInt(selfID, 10)

	if evt.Message.Mentions(self) {
		return true
	}
	if onebot.RawTextMentions(evt.RawMessage, self) {
		return true
	}

	trimmed := strings.TrimSpace(text)
	for _, prefix := range triggerPrefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
