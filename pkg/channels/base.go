// Package channels hosts the account sessions that bridge IM endpoints
// onto the message bus.
package channels

import (
	"context"
	"sync/atomic"

	"github.com/sipeed/onebridge/pkg/bus"
)

// Channel is one live account session.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel carries the pieces every session shares: the bus, the
// account name, the admin allowlist, and the running flag.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       msgBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed applies the admin allowlist. An empty allowlist admits
// everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == allowed {
			return true
		}
	}
	return false
}

// HandleMessage publishes a normalized inbound message, applying the
// allowlist first.
func (c *BaseChannel) HandleMessage(senderID, senderName, chatID, content, messageID string, media []string, metadata map[string]string) {
	if !c.IsAllowed(senderID) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    "onebot",
		Account:    c.name,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Content:    content,
		Media:      media,
		SessionKey: c.name + ":" + chatID,
		MessageID:  messageID,
		Metadata:   metadata,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
