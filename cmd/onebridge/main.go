// onebridge - OneBot bridge daemon for conversational-agent hosts

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/onebridge/cmd/onebridge/internal/gateway"
	"github.com/sipeed/onebridge/cmd/onebridge/internal/status"
	"github.com/sipeed/onebridge/cmd/onebridge/internal/version"
)

func NewOnebridgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "onebridge",
		Short:   "onebridge - bridge between an agent host and an OneBot endpoint",
		Example: "onebridge gateway",
	}

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewOnebridgeCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
