package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "migrate",
		Aliases: []string{"apply"},
		Short:   "Apply pending mapping migrations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mappings, err := loadMappingFiles()
			if err != nil {
				return err
			}

			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			registry, err := applyMappings(ctx, store, mappings, dryRun)
			if err != nil {
				return err
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d mapping(s) parsed cleanly\n", registry.Len())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d mapping(s) active\n", registry.Len())
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be applied without applying")
	return cmd
}
