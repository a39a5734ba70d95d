// Package onebot implements the client side of the OneBot v11 protocol:
// message segments, inbound event frames, and an action client that
// works over HTTP or a persistent WebSocket with echo correlation.
package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Segment types the bridge understands. Anything else is carried
// opaquely and ignored by text/media extraction.
const (
	SegmentText  = "text"
	SegmentImage = "image"
	SegmentAt    = "at"
)

// Segment is one typed unit of a structured message body. Data holds
// the protocol payload verbatim so unknown segment types round-trip
// without loss.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: SegmentText, Data: map[string]any{"text": s}}
}

// Image builds an image segment from a file reference (URL, file://
// path, or base64:// payload).
func Image(ref string) Segment {
	return Segment{Type: SegmentImage, Data: map[string]any{"file": ref}}
}

// At builds a mention segment for a user id.
func At(userID string) Segment {
	return Segment{Type: SegmentAt, Data: map[string]any{"qq": userID}}
}

// str reads a data field as a string regardless of whether the endpoint
// encoded it as a string or a number.
func (s Segment) str(key string) string {
	v, ok := s.Data[key]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// TextContent returns the text payload of a text segment, else "".
func (s Segment) TextContent() string {
	if s.Type != SegmentText {
		return ""
	}
	return s.str("text")
}

// ImageRef returns the URL (preferred) or file reference of an image
// segment, else "".
func (s Segment) ImageRef() string {
	if s.Type != SegmentImage {
		return ""
	}
	if url := s.str("url"); url != "" {
		return url
	}
	return s.str("file")
}

// AtTarget returns the mentioned identity of an at segment, else "".
func (s Segment) AtTarget() string {
	if s.Type != SegmentAt {
		return ""
	}
	return s.str("qq")
}

// MessageBody is the ordered segment sequence of a message event. The
// wire form is either a segment array or a legacy CQ-encoded string; a
// string body becomes a single text segment with the raw text kept
// as-is.
type MessageBody []Segment

func (m *MessageBody) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = nil
			return nil
		}
		*m = MessageBody{Text(s)}
		return nil
	}

	var segs []Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		return err
	}
	*m = MessageBody(segs)
	return nil
}

// PlainText concatenates the text segments in order. Non-text segments
// contribute nothing.
func (m MessageBody) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		b.WriteString(seg.TextContent())
	}
	return b.String()
}

// FirstImageRef returns the media reference of the first image segment,
// or "".
func (m MessageBody) FirstImageRef() string {
	for _, seg := range m {
		if ref := seg.ImageRef(); ref != "" {
			return ref
		}
	}
	return ""
}

// Mentions reports whether any at segment targets the given identity.
func (m MessageBody) Mentions(userID string) bool {
	for _, seg := range m {
		if seg.AtTarget() == userID {
			return true
		}
	}
	return false
}

var cqAtPattern = regexp.MustCompile(`\[CQ:at,qq=(\d+|all)\]`)

// RawTextMentions reports whether a legacy CQ-encoded text body carries
// an inline mention marker for the given identity.
func RawTextMentions(raw, userID string) bool {
	for _, match := range cqAtPattern.FindAllStringSubmatch(raw, -1) {
		if match[1] == userID {
			return true
		}
	}
	return false
}
