package cli

import (
	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all flags",
		Long: `List every flag ordered by id.

Examples:
  flagctl list
  flagctl list --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(rootOpts.Server, rootOpts.Token)
			flags, err := client.ListFlags(cmd.Context())
			if err != nil {
				return WrapExitError("failed to list flags", err)
			}
			return writeFlags(cmd.OutOrStdout(), rootOpts.Format, flags)
		},
	}
}
