package commands

import (
	"github.com/cirruslabs/gha-cache-gateway/internal/version"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gha-cache-gateway",
		Short:         "Key-based HTTP gateway to the GitHub Actions cache",
		Version:       version.FullVersion,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newServeCmd(),
	)

	return cmd
}
