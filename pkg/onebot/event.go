package onebot

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// FrameKind classifies an inbound socket frame before full decoding.
type FrameKind int

const (
	// FrameInvalid is a frame that does not parse as a JSON object.
	FrameInvalid FrameKind = iota
	// FrameResponse carries a correlation token and answers an action.
	FrameResponse
	// FrameMessage is a chat message event.
	FrameMessage
	// FrameMeta is a lifecycle/heartbeat event.
	FrameMeta
	// FrameOther is any other unsolicited event (notices, requests).
	FrameOther
)

// ClassifyFrame decides how to route a raw inbound frame. Any frame
// carrying an echo field is an action response regardless of post_type.
func ClassifyFrame(data []byte) FrameKind {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return FrameInvalid
	}
	if gjson.GetBytes(data, "echo").Exists() {
		return FrameResponse
	}
	switch gjson.GetBytes(data, "post_type").String() {
	case "message":
		return FrameMessage
	case "meta_event":
		return FrameMeta
	default:
		return FrameOther
	}
}

// Sender is the display metadata attached to a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// DisplayName prefers the group card over the account nickname.
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// MessageEvent is an inbound chat message.
type MessageEvent struct {
	PostType    string      `json:"post_type"`
	MessageType string      `json:"message_type"` // "private" or "group"
	SubType     string      `json:"sub_type"`
	MessageID   int64       `json:"message_id"`
	UserID      int64       `json:"user_id"`
	GroupID     int64       `json:"group_id"`
	SelfID      int64       `json:"self_id"`
	Time        int64       `json:"time"`
	Message     MessageBody `json:"message"`
	RawMessage  string      `json:"raw_message"`
	Sender      Sender      `json:"sender"`
}

// IsGroup reports whether the event belongs to a group conversation.
func (e *MessageEvent) IsGroup() bool {
	return e.MessageType == "group"
}

// MetaEvent is a lifecycle or heartbeat event.
type MetaEvent struct {
	PostType      string `json:"post_type"`
	MetaEventType string `json:"meta_event_type"`
	SubType       string `json:"sub_type"`
}

// ActionResponse is the endpoint's answer to an action, over either
// transport. Echo is set only on the socket variant.
type ActionResponse struct {
	Status  string          `json:"status"`
	RetCode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

// OK reports whether the response is a success. A missing status with a
// zero retcode still counts as ok.
func (r *ActionResponse) OK() bool {
	return r.Status == "ok" || r.RetCode == 0
}
