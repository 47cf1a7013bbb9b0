package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasgelfond/puffgres/engine"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
	}
	cmd.AddCommand(
		newDLQListCmd(),
		newDLQShowCmd(),
		newDLQRetryCmd(),
		newDLQClearCmd(),
	)
	return cmd
}

func newDLQListCmd() *cobra.Command {
	var (
		mappingFilter string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quarantined events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListDLQ(ctx, mappingFilter, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "DLQ is empty.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMAPPING\tLSN\tKIND\tRETRIES\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.MappingName, e.LSN, e.ErrorKind, e.RetryCount,
					e.CreatedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			fmt.Fprintf(out, "\n%d entr%s\n", len(entries), plural(len(entries), "y", "ies"))
			return nil
		},
	}

	cmd.Flags().StringVar(&mappingFilter, "mapping", "", "Filter by mapping name (glob accepted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}

func newDLQShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one quarantined event in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var id int32
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return usage("invalid id %q", args[0])
			}

			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.GetDLQ(ctx, id)
			if err != nil {
				return err
			}
			if entry == nil {
				return usage("DLQ entry %d not found", id)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "DLQ entry #%d\n", entry.ID)
			fmt.Fprintf(out, "Mapping:     %s\n", entry.MappingName)
			fmt.Fprintf(out, "LSN:         %s\n", entry.LSN)
			fmt.Fprintf(out, "Error kind:  %s\n", entry.ErrorKind)
			fmt.Fprintf(out, "Retries:     %d\n", entry.RetryCount)
			fmt.Fprintf(out, "Created:     %s\n", entry.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "\nError:\n  %s\n", entry.ErrorMessage)

			var pretty map[string]any
			if err := json.Unmarshal(entry.EventJSON, &pretty); err == nil {
				data, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Fprintf(out, "\nEvent:\n%s\n", data)
			} else {
				fmt.Fprintf(out, "\nEvent (raw):\n%s\n", entry.EventJSON)
			}
			return nil
		},
	}
}

func newDLQRetryCmd() *cobra.Command {
	var (
		id            int32
		mappingFilter string
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay quarantined events through the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == 0 && mappingFilter == "" {
				return usage("either --id or --mapping is required")
			}
			ctx := cmd.Context()

			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			mappings, err := loadMappingFiles()
			if err != nil {
				return err
			}
			registry, err := applyMappings(ctx, store, mappings, false)
			if err != nil {
				return err
			}

			writer, err := buildWriter()
			if err != nil {
				return err
			}
			lookup := buildLookup(store, registry)
			transformers, err := buildTransformers(registry, lookup)
			if err != nil {
				return err
			}

			retrier, err := engine.NewRetrier(engine.RetryConfig{
				Registry:     registry,
				Store:        store,
				Writer:       writer,
				Lookup:       lookup,
				Transformers: transformers,
			})
			if err != nil {
				return err
			}

			var result *engine.RetryResult
			if id != 0 {
				result, err = retrier.RetryByID(ctx, id)
			} else {
				result, err = retrier.RetryByMapping(ctx, mappingFilter)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Retried: %d succeeded, %d failed\n",
				result.Succeeded, result.Failed)
			return nil
		},
	}

	cmd.Flags().Int32Var(&id, "id", 0, "Retry one entry by id")
	cmd.Flags().StringVar(&mappingFilter, "mapping", "", "Retry all entries for a mapping (glob accepted)")
	return cmd
}

func newDLQClearCmd() *cobra.Command {
	var (
		id            int32
		mappingFilter string
		all           bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove quarantined events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set := 0
			if id != 0 {
				set++
			}
			if mappingFilter != "" {
				set++
			}
			if all {
				set++
			}
			if set != 1 {
				return usage("exactly one of --id, --mapping or --all is required")
			}
			ctx := cmd.Context()

			store, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if id != 0 {
				if err := store.DeleteDLQ(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared entry %d\n", id)
				return nil
			}

			removed, err := store.ClearDLQ(ctx, mappingFilter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entr%s\n", removed, plural(int(removed), "y", "ies"))
			return nil
		},
	}

	cmd.Flags().Int32Var(&id, "id", 0, "Clear one entry by id")
	cmd.Flags().StringVar(&mappingFilter, "mapping", "", "Clear all entries for a mapping")
	cmd.Flags().BoolVar(&all, "all", false, "Clear every entry")
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
