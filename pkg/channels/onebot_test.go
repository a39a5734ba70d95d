package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/onebridge/pkg/bus"
	"github.com/sipeed/onebridge/pkg/config"
)

// actionServer is a fake HTTP action endpoint that records every action
// call and serves a static image for download tests.
type actionServer struct {
	server *httptest.Server

	mu    sync.Mutex
	calls []actionCall
}

type actionCall struct {
	action string
	params map[string]any
}

func newActionServer(t *testing.T) *actionServer {
	s := &actionServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
			return
		}

		action := strings.TrimPrefix(r.URL.Path, "/")
		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)

		s.mu.Lock()
		s.calls = append(s.calls, actionCall{action: action, params: params})
		s.mu.Unlock()

		var data any
		switch action {
		case "get_login_info":
			data = map[string]any{"user_id": 99, "nickname": "bridge"}
		case "send_private_msg", "send_group_msg":
			data = map[string]any{"message_id": 5555}
		case "delete_msg":
			data = nil
		default:
			data = map[string]any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "retcode": 0, "data": data})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *actionServer) callsFor(action string) []actionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []actionCall
	for _, call := range s.calls {
		if call.action == action {
			out = append(out, call)
		}
	}
	return out
}

func newTestSession(t *testing.T, server *actionServer, cfg config.AccountConfig) (*OneBotChannel, *bus.MessageBus) {
	cfg.HTTPUrl = server.server.URL
	msgBus := bus.NewMessageBus()

	session, err := NewOneBotChannel("testacct", cfg, msgBus)
	require.NoError(t, err)
	session.SetMediaDir(t.TempDir())

	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { session.Stop(context.Background()) })
	return session, msgBus
}

func TestSession_HTTPOnlyStartVerifiesLogin(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	assert.True(t, session.IsRunning())
	assert.Equal(t, int64(99), session.SelfID())
	assert.Len(t, server.callsFor("get_login_info"), 1)
}

func TestSession_StartRejectsEndpointlessConfig(t *testing.T) {
	session, err := NewOneBotChannel("bad", config.AccountConfig{}, bus.NewMessageBus())
	require.NoError(t, err)

	err = session.Start(context.Background())
	assert.ErrorIs(t, err, config.ErrNoEndpoint)
	assert.False(t, session.IsRunning())
}

func TestParseTarget(t *testing.T) {
	kind, id, err := parseTarget("group:777")
	require.NoError(t, err)
	assert.Equal(t, "group", kind)
	assert.Equal(t, int64(777), id)

	kind, id, err = parseTarget("private:42")
	require.NoError(t, err)
	assert.Equal(t, "private", kind)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "42", "channel:42", "group:", "group:abc"} {
		_, _, err := parseTarget(bad)
		assert.Error(t, err, "target %q", bad)
	}
}

func TestSession_SendRoutesByTargetKind(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	ctx := context.Background()
	require.NoError(t, session.Send(ctx, bus.OutboundMessage{Account: "testacct", ChatID: "private:42", Content: "hi"}))
	require.NoError(t, session.Send(ctx, bus.OutboundMessage{Account: "testacct", ChatID: "group:777", Content: "hi all"}))

	private := server.callsFor("send_private_msg")
	require.Len(t, private, 1)
	assert.Equal(t, float64(42), private[0].params["user_id"])
	assert.Equal(t, "hi", private[0].params["message"])

	group := server.callsFor("send_group_msg")
	require.Len(t, group, 1)
	assert.Equal(t, float64(777), group[0].params["group_id"])
}

func TestSession_SendSuppressesDuplicateReply(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	ctx := context.Background()
	msg := bus.OutboundMessage{Account: "testacct", ChatID: "private:42", Content: "same answer", ReplyTo: "1001"}

	require.NoError(t, session.Send(ctx, msg))
	require.NoError(t, session.Send(ctx, msg))
	assert.Len(t, server.callsFor("send_private_msg"), 1, "second identical reply is dropped")

	// Different correlation key sends again.
	msg.ReplyTo = "1002"
	require.NoError(t, session.Send(ctx, msg))
	assert.Len(t, server.callsFor("send_private_msg"), 2)
}

func TestSession_SendWithoutReplyToNeverDedupes(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	ctx := context.Background()
	msg := bus.OutboundMessage{Account: "testacct", ChatID: "private:42", Content: "ping"}
	require.NoError(t, session.Send(ctx, msg))
	require.NoError(t, session.Send(ctx, msg))
	assert.Len(t, server.callsFor("send_private_msg"), 2)
}

func TestSession_SendMediaBypassesDedupAndSegments(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	ctx := context.Background()
	msg := bus.OutboundMessage{
		Account: "testacct",
		ChatID:  "private:42",
		Content: "look",
		Media:   []string{"https://img.example/a.jpg"},
		ReplyTo: "1001",
	}
	require.NoError(t, session.Send(ctx, msg))
	require.NoError(t, session.Send(ctx, msg))

	calls := server.callsFor("send_private_msg")
	require.Len(t, calls, 2, "media sends are never suppressed")

	segments, ok := calls[0].params["message"].([]any)
	require.True(t, ok, "media send uses a segment array body")
	require.Len(t, segments, 2)
	first := segments[0].(map[string]any)
	assert.Equal(t, "text", first["type"])
}

func TestSession_SendEmptyPayloadIsNoop(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	require.NoError(t, session.Send(context.Background(), bus.OutboundMessage{Account: "testacct", ChatID: "private:42"}))
	assert.Empty(t, server.callsFor("send_private_msg"))
}

func TestSession_SendWhenStoppedFails(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	require.NoError(t, session.Stop(context.Background()))
	err := session.Send(context.Background(), bus.OutboundMessage{Account: "testacct", ChatID: "private:42", Content: "hi"})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Inbound event handling
// ---------------------------------------------------------------------------

func eventJSON(t *testing.T, v map[string]any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func consumeInbound(t *testing.T, msgBus *bus.MessageBus) bus.InboundMessage {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	require.True(t, ok, "expected an inbound message")
	return msg
}

func TestSession_InboundPrivateMessagePublished(t *testing.T) {
	server := newActionServer(t)
	session, msgBus := newTestSession(t, server, config.AccountConfig{})

	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "private",
		"message_id":   1001,
		"user_id":      42,
		"self_id":      99,
		"time":         1700000000,
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "hello"}}},
		"sender":       map[string]any{"user_id": 42, "nickname": "alice"},
	}))

	msg := consumeInbound(t, msgBus)
	assert.Equal(t, "onebot", msg.Channel)
	assert.Equal(t, "testacct", msg.Account)
	assert.Equal(t, "42", msg.SenderID)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, "private:42", msg.ChatID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "testacct:private:42", msg.SessionKey)
	assert.Equal(t, "1001", msg.MessageID)
	assert.Equal(t, "false", msg.Metadata["is_group"])
	assert.Equal(t, "1700000000", msg.Metadata["timestamp"])
}

func TestSession_InboundUnaddressedGroupDropped(t *testing.T) {
	server := newActionServer(t)
	session, msgBus := newTestSession(t, server, config.AccountConfig{})

	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   1002,
		"user_id":      42,
		"group_id":     777,
		"self_id":      99,
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "ambient chatter"}}},
		"sender":       map[string]any{"user_id": 42, "nickname": "alice"},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := msgBus.ConsumeInbound(ctx)
	assert.False(t, ok, "unaddressed group chatter must not reach the bus")
}

func TestSession_InboundMentionedGroupPublished(t *testing.T) {
	server := newActionServer(t)
	session, msgBus := newTestSession(t, server, config.AccountConfig{})

	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "group",
		"message_id":   1003,
		"user_id":      42,
		"group_id":     777,
		"self_id":      99,
		"message": []map[string]any{
			{"type": "at", "data": map[string]any{"qq": "99"}},
			{"type": "text", "data": map[string]any{"text": " status?"}},
		},
		"sender": map[string]any{"user_id": 42, "nickname": "alice", "card": "Ops Alice"},
	}))

	msg := consumeInbound(t, msgBus)
	assert.Equal(t, "group:777", msg.ChatID)
	assert.Equal(t, "Ops Alice", msg.SenderName)
	assert.Equal(t, "true", msg.Metadata["is_group"])
}

func TestSession_InboundAllowlistFilters(t *testing.T) {
	server := newActionServer(t)
	session, msgBus := newTestSession(t, server, config.AccountConfig{
		AllowFrom: config.FlexibleStringSlice{"7777"},
	})

	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "private",
		"message_id":   1004,
		"user_id":      42,
		"self_id":      99,
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "let me in"}}},
		"sender":       map[string]any{"user_id": 42, "nickname": "mallory"},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, ok := msgBus.ConsumeInbound(ctx)
	assert.False(t, ok, "sender outside the allowlist is dropped")
}

func TestSession_InboundMediaDownloadedAndAnnotated(t *testing.T) {
	server := newActionServer(t)
	session, msgBus := newTestSession(t, server, config.AccountConfig{})

	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "private",
		"message_id":   1005,
		"user_id":      42,
		"self_id":      99,
		"message": []map[string]any{
			{"type": "image", "data": map[string]any{"url": server.server.URL + "/img.jpg"}},
		},
		"sender": map[string]any{"user_id": 42, "nickname": "alice"},
	}))

	msg := consumeInbound(t, msgBus)
	require.Len(t, msg.Media, 1)

	// The remote image lands on disk and the content carries the
	// machine-readable annotation pointing at it.
	info, err := os.Stat(msg.Media[0])
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size())
	assert.True(t, strings.HasPrefix(msg.Content, mediaPlaceholder+"\n"))
	assert.Contains(t, msg.Content, "[image: "+msg.Media[0]+"]")
}

func TestSession_InboundSelfIDLearnedFromEvent(t *testing.T) {
	server := newActionServer(t)
	msgBus := bus.NewMessageBus()

	// No login verification ahead of time: bare session, never started,
	// learns its identity from the first event frame.
	session, err := NewOneBotChannel("testacct", config.AccountConfig{HTTPUrl: server.server.URL}, msgBus)
	require.NoError(t, err)

	require.Zero(t, session.SelfID())
	session.handleEventFrame(eventJSON(t, map[string]any{
		"post_type":    "message",
		"message_type": "private",
		"message_id":   1006,
		"user_id":      42,
		"self_id":      12345,
		"message":      []map[string]any{{"type": "text", "data": map[string]any{"text": "hi"}}},
		"sender":       map[string]any{"user_id": 42, "nickname": "alice"},
	}))
	assert.Equal(t, int64(12345), session.SelfID())
}

func TestSession_DeleteMessagePassthrough(t *testing.T) {
	server := newActionServer(t)
	session, _ := newTestSession(t, server, config.AccountConfig{})

	require.NoError(t, session.DeleteMessage(context.Background(), 5555))
	calls := server.callsFor("delete_msg")
	require.Len(t, calls, 1)
	assert.Equal(t, float64(5555), calls[0].params["message_id"])
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcde...", truncateString("abcdefgh", 5))
	assert.Equal(t, "日本語...", truncateString("日本語テキスト", 3), "rune-safe truncation")
}
