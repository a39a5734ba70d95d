package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/sipeed/onebridge/pkg/bus"
	"github.com/sipeed/onebridge/pkg/config"
	"github.com/sipeed/onebridge/pkg/contacts"
	"github.com/sipeed/onebridge/pkg/logger"
	"github.com/sipeed/onebridge/pkg/onebot"
)

// TerminalHandler is notified when an account gives up reconnecting.
type TerminalHandler func(account string, err error)

// OneBotChannel is one account session: it owns the transport socket,
// the action client, the admin allowlist, and the reply pipeline.
type OneBotChannel struct {
	*BaseChannel
	config config.AccountConfig
	client *onebot.Client
	socket *onebot.Socket
	dedup  *replyWindow
	httpDL *resty.Client

	contacts   *contacts.Store
	mediaDir   string
	onTerminal TerminalHandler

	selfID   atomic.Int64
	verified atomic.Bool

	cancel context.CancelFunc
}

// NewOneBotChannel builds a session for one configured account.
func NewOneBotChannel(name string, cfg config.AccountConfig, msgBus *bus.MessageBus) (*OneBotChannel, error) {
	base := NewBaseChannel(name, msgBus, cfg.AllowFrom)

	var clientOpts []onebot.ClientOption
	if cfg.ActionTimeout > 0 {
		clientOpts = append(clientOpts, onebot.WithCallTimeout(time.Duration(cfg.ActionTimeout)*time.Second))
	}

	return &OneBotChannel{
		BaseChannel: base,
		config:      cfg,
		client:      onebot.NewClient(cfg.HTTPUrl, cfg.AccessToken, clientOpts...),
		dedup:       newReplyWindow(),
		httpDL:      resty.New().SetTimeout(30 * time.Second),
		mediaDir:    filepath.Join(os.TempDir(), "onebridge_media"),
	}, nil
}

// SetContactsStore injects the optional display-name cache.
func (c *OneBotChannel) SetContactsStore(store *contacts.Store) {
	c.contacts = store
}

// SetMediaDir overrides where inbound media is downloaded.
func (c *OneBotChannel) SetMediaDir(dir string) {
	if dir != "" {
		c.mediaDir = dir
	}
}

// SetTerminalHandler registers the callback for reconnect exhaustion.
func (c *OneBotChannel) SetTerminalHandler(h TerminalHandler) {
	c.onTerminal = h
}

// Client exposes the action client for host-level operations.
func (c *OneBotChannel) Client() *onebot.Client {
	return c.client
}

// SelfID returns the bot's own identity once login verification or the
// first inbound event has revealed it.
func (c *OneBotChannel) SelfID() int64 {
	return c.selfID.Load()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start brings the session up. With only an HTTP endpoint configured it
// runs in degraded HTTP-only mode: a one-shot login verification and no
// socket machinery.
func (c *OneBotChannel) Start(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("account %s: %w", c.name, err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	if c.client.HasHTTP() {
		c.verifyLogin(ctx)
	}

	if c.config.WSUrl == "" {
		logger.InfoCF(c.name, "No socket endpoint configured, running HTTP-only", map[string]interface{}{
			"http_url": c.config.HTTPUrl,
		})
		c.setRunning(true)
		return nil
	}

	socketCfg := onebot.SocketConfig{
		URL:   c.config.WSUrl,
		Token: c.config.AccessToken,
	}
	if c.config.ReconnectInterval > 0 {
		socketCfg.ReconnectBase = time.Duration(c.config.ReconnectInterval) * time.Second
	}

	c.socket = onebot.NewSocket(socketCfg, c.name, onebot.SocketHandlers{
		OnOpen:     c.handleOpen,
		OnMessage:  c.handleEventFrame,
		OnResponse: c.client.HandleResponse,
		OnClosed:   c.client.DetachSocket,
		OnTerminal: c.handleTerminal,
	})
	c.socket.Start(ctx)

	c.setRunning(true)
	logger.InfoCF(c.name, "Account session started", map[string]interface{}{
		"ws_url":   c.config.WSUrl,
		"http_url": c.config.HTTPUrl,
	})
	return nil
}

// Stop tears the session down. Idempotent; no reconnects or pending
// callbacks fire afterwards.
func (c *OneBotChannel) Stop(ctx context.Context) error {
	c.setRunning(false)

	if c.cancel != nil {
		c.cancel()
	}
	if c.socket != nil {
		c.socket.Stop()
	}
	c.client.DetachSocket()

	logger.InfoC(c.name, "Account session stopped")
	return nil
}

func (c *OneBotChannel) handleOpen(sock *onebot.Socket) {
	c.client.AttachSocket(sock)
	if !c.verified.Load() {
		// Login verification over the socket itself; runs off the read
		// loop so the response can arrive.
		go c.verifyLogin(context.Background())
	}
}

func (c *OneBotChannel) handleTerminal(err error) {
	c.setRunning(false)
	c.client.DetachSocket()
	logger.ErrorCF(c.name, "Account session failed permanently", map[string]interface{}{
		"error": err.Error(),
	})
	if c.onTerminal != nil {
		c.onTerminal(c.name, err)
	}
}

// verifyLogin issues the login-verification call and records the bot's
// own identity. Failures are logged, not fatal: the endpoint may come
// up later.
func (c *OneBotChannel) verifyLogin(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, onebot.DefaultCallTimeout)
	defer cancel()

	info, err := c.client.GetLoginInfo(ctx)
	if err != nil {
		logger.WarnCF(c.name, "Login verification failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c.selfID.Store(info.UserID)
	c.verified.Store(true)
	logger.InfoCF(c.name, "Logged in", map[string]interface{}{
		"user_id":  info.UserID,
		"nickname": info.Nickname,
	})
}

// ---------------------------------------------------------------------------
// Inbound messages
// ---------------------------------------------------------------------------

func (c *OneBotChannel) handleEventFrame(data []byte) {
	var evt onebot.MessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logger.WarnCF(c.name, "Dropping malformed message event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if evt.SelfID != 0 {
		c.selfID.CompareAndSwap(0, evt.SelfID)
	}

	norm, ok := normalizeMessage(&evt, c.selfID.Load(), c.config.GroupTriggerPrefix)
	if !ok {
		logger.DebugC(c.name, "Dropping empty message event")
		return
	}
	if norm.Kind == "group" && !norm.Addressed {
		logger.DebugCF(c.name, "Ignoring group message not addressed to bot", map[string]interface{}{
			"group": norm.ConversationID,
		})
		return
	}

	senderID := strconv.FormatInt(norm.SenderID, 10)
	if c.contacts != nil {
		if err := c.contacts.Remember(c.name, senderID, "user", norm.SenderName); err != nil {
			logger.DebugCF(c.name, "Failed to cache contact", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	content := norm.Text
	var media []string
	if norm.MediaRef != "" {
		ref := norm.MediaRef
		if local := c.downloadMedia(ref); local != "" {
			ref = local
		}
		media = append(media, ref)
		// Machine-readable annotation, appended so the host always sees
		// the media reference alongside the text.
		content = content + "\n[image: " + ref + "]"
	}

	messageID := strconv.FormatInt(evt.MessageID, 10)
	metadata := map[string]string{
		"message_id": messageID,
		"self_id":    strconv.FormatInt(evt.SelfID, 10),
		"timestamp":  strconv.FormatInt(evt.Time, 10),
		"is_group":   strconv.FormatBool(norm.Kind == "group"),
	}

	logger.InfoCF(c.name, "Message received", map[string]interface{}{
		"sender":  senderID,
		"chat":    norm.ChatID(),
		"preview": truncateString(content, 50),
	})

	c.HandleMessage(senderID, norm.SenderName, norm.ChatID(), content, messageID, media, metadata)
}

// downloadMedia fetches a remote image to the local media dir so the
// host gets a filesystem path. Returns "" on any failure, leaving the
// caller with the original reference.
func (c *OneBotChannel) downloadMedia(ref string) string {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return ""
	}

	resp, err := c.httpDL.R().Get(ref)
	if err != nil || !resp.IsSuccess() {
		logger.DebugCF(c.name, "Failed to download media", map[string]interface{}{
			"url": ref,
		})
		return ""
	}

	if err := os.MkdirAll(c.mediaDir, 0755); err != nil {
		return ""
	}

	localPath := filepath.Join(c.mediaDir, "ob_"+uuid.New().String()+".jpg")
	if err := os.WriteFile(localPath, resp.Body(), 0644); err != nil {
		logger.DebugCF(c.name, "Failed to write media file", map[string]interface{}{
			"error": err.Error(),
			"path":  localPath,
		})
		return ""
	}
	return localPath
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

// parseTarget splits a "group:<id>" or "private:<id>" target.
func parseTarget(chatID string) (kind string, id int64, err error) {
	kind, rest, found := strings.Cut(chatID, ":")
	if !found || (kind != "group" && kind != "private") {
		return "", 0, fmt.Errorf("invalid chat target %q", chatID)
	}
	id, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid chat target %q: %w", chatID, err)
	}
	return kind, id, nil
}

// Send runs the reply delivery pipeline: resolve media, suppress
// near-identical repeats, assemble segments, issue the send action.
func (c *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("account %s not running", c.name)
	}
	if msg.Content == "" && len(msg.Media) == 0 {
		return nil
	}

	kind, targetID, err := parseTarget(msg.ChatID)
	if err != nil {
		return err
	}

	dedupKey := ""
	if msg.ReplyTo != "" {
		dedupKey = c.name + ":" + msg.ChatID + ":" + msg.ReplyTo
	}
	if c.dedup.ShouldSuppress(dedupKey, msg.Content, len(msg.Media) > 0) {
		logger.DebugCF(c.name, "Suppressing duplicate reply", map[string]interface{}{
			"chat": msg.ChatID,
		})
		return nil
	}

	body := assembleBody(msg.Content, msg.Media)

	var msgID int64
	if kind == "group" {
		msgID, err = c.client.SendGroupMsg(ctx, targetID, body)
	} else {
		msgID, err = c.client.SendPrivateMsg(ctx, targetID, body)
	}
	if err != nil {
		logger.ErrorCF(c.name, "Failed to send message", map[string]interface{}{
			"chat":  msg.ChatID,
			"error": err.Error(),
		})
		return err
	}

	c.dedup.Record(dedupKey, msg.Content)
	logger.DebugCF(c.name, "Message sent", map[string]interface{}{
		"chat":       msg.ChatID,
		"message_id": msgID,
	})
	return nil
}

// DeleteMessage recalls a previously sent message.
func (c *OneBotChannel) DeleteMessage(ctx context.Context, messageID int64) error {
	return c.client.DeleteMsg(ctx, messageID)
}

// UserInfo fetches (and caches) a user profile.
func (c *OneBotChannel) UserInfo(ctx context.Context, userID int64) (*onebot.StrangerInfo, error) {
	info, err := c.client.GetStrangerInfo(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.contacts != nil {
		_ = c.contacts.Remember(c.name, strconv.FormatInt(userID, 10), "user", info.Nickname)
	}
	return info, nil
}

// GroupInfo fetches (and caches) a group profile.
func (c *OneBotChannel) GroupInfo(ctx context.Context, groupID int64) (*onebot.GroupInfo, error) {
	info, err := c.client.GetGroupInfo(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if c.contacts != nil {
		_ = c.contacts.Remember(c.name, strconv.FormatInt(groupID, 10), "group", info.GroupName)
	}
	return info, nil
}

// truncateString shortens a string for log previews.
func truncateString(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
