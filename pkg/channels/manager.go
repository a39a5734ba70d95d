package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sipeed/onebridge/pkg/bus"
	"github.com/sipeed/onebridge/pkg/config"
	"github.com/sipeed/onebridge/pkg/contacts"
	"github.com/sipeed/onebridge/pkg/logger"
)

// ErrAccountNotFound means an outbound message targets an account the
// manager does not know.
var ErrAccountNotFound = errors.New("account not found")

// Manager is the process-scoped registry of account sessions. It starts
// and stops them as a group and routes outbound messages to the owning
// session; one account failing terminally never affects its siblings.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*OneBotChannel
	bus      *bus.MessageBus
}

func NewManager(cfg *config.Config, msgBus *bus.MessageBus, contactsStore *contacts.Store) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]*OneBotChannel),
		bus:      msgBus,
	}

	for name, account := range cfg.Accounts {
		session, err := NewOneBotChannel(name, account, msgBus)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", name, err)
		}
		session.SetContactsStore(contactsStore)
		session.SetMediaDir(cfg.MediaDir())
		session.SetTerminalHandler(m.handleTerminal)
		m.sessions[name] = session
	}

	logger.InfoCF("manager", "Session manager initialized", map[string]interface{}{
		"account_count": len(m.sessions),
	})
	return m, nil
}

// Get returns the session for an account name.
func (m *Manager) Get(name string) (*OneBotChannel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[name]
	return session, ok
}

// StartAll starts every configured account. A configuration error on
// one account is logged and does not stop the others; the first error
// is returned so callers can surface it.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var firstErr error
	for name, session := range m.sessions {
		if err := session.Start(ctx); err != nil {
			logger.ErrorCF("manager", "Failed to start account", map[string]interface{}{
				"account": name,
				"error":   err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every account session.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.sessions {
		if err := session.Stop(ctx); err != nil {
			logger.WarnCF("manager", "Error stopping account", map[string]interface{}{
				"account": session.Name(),
				"error":   err.Error(),
			})
		}
	}
}

// Dispatch delivers one outbound message to its account session.
func (m *Manager) Dispatch(ctx context.Context, msg bus.OutboundMessage) error {
	session, ok := m.Get(msg.Account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, msg.Account)
	}
	return session.Send(ctx, msg)
}

// Run consumes outbound messages from the bus until the context ends.
func (m *Manager) Run(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := m.Dispatch(ctx, msg); err != nil {
			logger.ErrorCF("manager", "Outbound dispatch failed", map[string]interface{}{
				"account": msg.Account,
				"chat":    msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) handleTerminal(account string, err error) {
	logger.ErrorCF("manager", "Account requires restart", map[string]interface{}{
		"account": account,
		"error":   err.Error(),
	})
}
