package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status per mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			checkpoints, err := store.AllCheckpoints(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(checkpoints) == 0 {
				fmt.Fprintln(out, "No checkpoints recorded; run `puffgres run` first.")
			} else {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MAPPING\tAPPLIED LSN\tEVENTS\tDLQ\tUPDATED")
				for _, cp := range checkpoints {
					pending, err := store.CountDLQ(ctx, cp.MappingName)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						cp.MappingName, cp.AppliedLSN, cp.EventsProcessed, pending,
						cp.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				w.Flush()
			}

			backfills, err := store.AllBackfills(ctx)
			if err != nil {
				return err
			}
			if len(backfills) > 0 {
				fmt.Fprintln(out, "\nBackfills:")
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MAPPING\tSTATUS\tPROCESSED\tTOTAL\tLAST ID")
				for _, b := range backfills {
					total := "?"
					if b.TotalRows > 0 {
						total = fmt.Sprintf("%d", b.TotalRows)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						b.MappingName, b.Status, b.ProcessedRows, total, b.LastID)
				}
				w.Flush()
			}
			return nil
		},
	}
}
