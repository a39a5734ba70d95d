package channels

import (
	"encoding/base64"
	"os"
	"strings"

	"github.com/sipeed/onebridge/pkg/logger"
	"github.com/sipeed/onebridge/pkg/onebot"
)

// resolveMediaRef converts a reply media reference into a form the IM
// endpoint can consume without filesystem access to this host: local
// files are inlined as base64, unreadable or missing paths degrade to a
// file:// location reference, and anything already carrying a scheme
// passes through untouched.
func resolveMediaRef(ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}

	data, err := os.ReadFile(ref)
	if err == nil {
		return "base64://" + base64.StdEncoding.EncodeToString(data)
	}

	logger.DebugCF("onebot", "Passing media as location reference", map[string]interface{}{
		"path":  ref,
		"error": err.Error(),
	})
	return "file://" + ref
}

// assembleBody builds the action message body: plain text when there is
// no media, otherwise an ordered segment sequence with an optional
// leading text segment followed by one segment per media item.
func assembleBody(text string, mediaRefs []string) any {
	if len(mediaRefs) == 0 {
		return text
	}

	segments := make([]onebot.Segment, 0, len(mediaRefs)+1)
	if text != "" {
		segments = append(segments, onebot.Text(text))
	}
	for _, ref := range mediaRefs {
		segments = append(segments, onebot.Image(resolveMediaRef(ref)))
	}
	return segments
}
