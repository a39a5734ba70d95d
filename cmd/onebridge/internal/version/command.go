package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit string
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print onebridge version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("onebridge %s %s/%s\n", v, runtime.GOOS, runtime.GOARCH)
		},
	}
}
