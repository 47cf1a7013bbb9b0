package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasgelfond/puffgres/cfg"
	"github.com/lucasgelfond/puffgres/engine"
)

func newBackfillCmd() *cobra.Command {
	var (
		batchSize int
		resume    bool
	)

	cmd := &cobra.Command{
		Use:   "backfill <mapping>",
		Short: "Seed a namespace from the mapped relation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mappingName := args[0]

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

			m, found := registry.Get(mappingName)
			if !found {
				return usage("unknown mapping %q", mappingName)
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

			backfill, err := engine.NewBackfill(engine.BackfillConfig{
				Mapping:          m,
				Rows:             engine.NewPgRowSource(store.Pool(), m),
				Writer:           writer,
				Store:            store,
				Transformer:      transformers[m.Name],
				Lookup:           lookup,
				BatchSize:        batchSize,
				Resume:           resume,
				Strict:           cfg.Config.Engine.Strict,
				TransformTimeout: time.Duration(cfg.Config.Engine.TransformTimeoutSeconds) * time.Second,
			})
			if err != nil {
				return err
			}
			return backfill.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", engine.DefaultBackfillBatchSize, "Rows per scan page")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume from the recorded cursor")
	return cmd
}
