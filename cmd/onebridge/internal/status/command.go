package status

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sipeed/onebridge/pkg/config"
	"github.com/sipeed/onebridge/pkg/contacts"
)

func NewStatusCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured accounts and cached contacts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return statusCmd(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func statusCmd(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	fmt.Printf("Accounts: %d\n", len(cfg.Accounts))
	for name, account := range cfg.Accounts {
		transport := "ws"
		if account.HTTPUrl != "" {
			transport = "http"
			if account.WSUrl != "" {
				transport = "http+ws"
			}
		}
		fmt.Printf("  %-16s transport=%-7s allow_from=%d\n", name, transport, len(account.AllowFrom))
		if err := account.Validate(); err != nil {
			fmt.Printf("    warning: %v\n", err)
		}
	}

	home, _ := os.UserHomeDir()
	store := contacts.NewStore(filepath.Join(home, ".onebridge"))
	cached := store.List()
	if len(cached) > 0 {
		fmt.Printf("\nCached contacts: %d\n", len(cached))
		for _, c := range cached {
			fmt.Printf("  %s %s/%s  %s\n", c.Account, c.Kind, c.ContactID, c.DisplayName)
		}
	}

	return nil
}
