package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sipeed/onebridge/pkg/bus"
	"github.com/sipeed/onebridge/pkg/channels"
	"github.com/sipeed/onebridge/pkg/config"
	"github.com/sipeed/onebridge/pkg/contacts"
	"github.com/sipeed/onebridge/pkg/logger"
)

func gatewayCmd(configPath string, debug bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if debug || cfg.Debug {
		logger.SetDebug(true)
	}

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured; edit %s or set ONEBRIDGE_WS_URL / ONEBRIDGE_HTTP_URL", config.DefaultConfigPath())
	}

	home, _ := os.UserHomeDir()
	contactsStore := contacts.NewStore(filepath.Join(home, ".onebridge"))

	msgBus := bus.NewMessageBus()
	manager, err := channels.NewManager(cfg, msgBus, contactsStore)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		logger.WarnCF("gateway", "Some accounts failed to start", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Outbound replies flow from the bus back to the owning account.
	go manager.Run(ctx)

	// Inbound tracing keeps the daemon observable while the host is the
	// real consumer of the inbound queue.
	go traceInbound(ctx, msgBus)

	logger.InfoCF("gateway", "Gateway running", map[string]interface{}{
		"accounts": len(cfg.Accounts),
	})

	<-ctx.Done()

	logger.InfoC("gateway", "Shutting down")
	manager.StopAll(context.Background())
	return nil
}

func traceInbound(ctx context.Context, msgBus *bus.MessageBus) {
	events := msgBus.Subscribe()
	defer msgBus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.Inbound != nil {
				logger.DebugCF("gateway", "Bus inbound", map[string]interface{}{
					"account": event.Inbound.Account,
					"chat":    event.Inbound.ChatID,
				})
			}
		}
	}
}
