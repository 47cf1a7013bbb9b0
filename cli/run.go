package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucasgelfond/puffgres/cfg"
	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/engine"
	"github.com/lucasgelfond/puffgres/source"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/telemetry"

	adminpkg "github.com/lucasgelfond/puffgres/admin"
)

func newRunCmd() *cobra.Command {
	var (
		slot           string
		createSlot     bool
		pollIntervalMS int
		fromLSN        string
		stream         bool
		strict         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the CDC replication loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Flag overrides on top of config.
			if slot != "" {
				cfg.Config.Source.Slot = slot
			}
			if pollIntervalMS > 0 {
				cfg.Config.Source.PollIntervalMS = pollIntervalMS
			}
			if stream {
				cfg.Config.Source.Mode = "stream"
			}
			if strict {
				cfg.Config.Engine.Strict = true
			}

			var start common.LSN
			if fromLSN != "" {
				lsn, err := common.ParseLSN(fromLSN)
				if err != nil {
					return usage("--from-lsn: %v", err)
				}
				start = lsn
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runEngine(ctx, start, createSlot)
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "", "Replication slot name (overrides config)")
	cmd.Flags().BoolVar(&createSlot, "create-slot", false, "Create the replication slot if it does not exist")
	cmd.Flags().IntVar(&pollIntervalMS, "poll-interval-ms", 0, "Poll interval in milliseconds (overrides config)")
	cmd.Flags().StringVar(&fromLSN, "from-lsn", "", "Start from this LSN instead of the checkpoint (X/Y form)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Use the streaming replication protocol instead of polling")
	cmd.Flags().BoolVar(&strict, "strict", false, "Block checkpoint advance while a mapping has DLQ entries")
	return cmd
}

func runEngine(ctx context.Context, fromLSN common.LSN, createSlot bool) error {
	telemetry.InitializeTelemetry()

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
	if err := verifyTransforms(ctx, store, registry); err != nil {
		return err
	}

	adapter, err := buildAdapter(ctx, store, createSlot)
	if err != nil {
		return err
	}
	defer adapter.Close(context.WithoutCancel(ctx))

	writer, err := buildWriter()
	if err != nil {
		return err
	}

	lookup := buildLookup(store, registry)
	transformers, err := buildTransformers(registry, lookup)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Registry:         registry,
		Adapter:          adapter,
		Writer:           writer,
		Store:            store,
		Lookup:           lookup,
		Transformers:     transformers,
		FromLSN:          fromLSN,
		Strict:           cfg.Config.Engine.Strict,
		QueueSize:        cfg.Config.Engine.MappingQueueSize,
		TransformTimeout: time.Duration(cfg.Config.Engine.TransformTimeoutSeconds) * time.Second,
		AckInterval:      time.Duration(cfg.Config.Engine.AckIntervalSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	if cfg.Config.Admin.Enabled {
		server := adminpkg.NewServer(store, cfg.Config.Admin.Address, cfg.Config.Admin.Port)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			server.Stop(shutdownCtx)
		}()
	}

	return eng.Run(ctx)
}

func buildAdapter(ctx context.Context, store *state.Store, createSlot bool) (source.Adapter, error) {
	var adapter source.Adapter
	if cfg.Config.Source.Mode == "stream" {
		streaming, err := source.NewStreaming(ctx, source.StreamingConfig{
			ConnString: cfg.Config.DatabaseURL,
			Slot:       cfg.Config.Source.Slot,
			QueueSize:  cfg.Config.Source.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		adapter = streaming
	} else {
		poll, err := source.NewPoll(source.PollConfig{
			Pool:         store.Pool(),
			Slot:         cfg.Config.Source.Slot,
			PollInterval: time.Duration(cfg.Config.Source.PollIntervalMS) * time.Millisecond,
			MaxChanges:   cfg.Config.Source.MaxChanges,
			QueueSize:    cfg.Config.Source.QueueSize,
		})
		if err != nil {
			return nil, err
		}
		adapter = poll
	}

	exists, err := adapter.SlotExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !createSlot {
			return nil, usage("replication slot %q does not exist; pass --create-slot to create it",
				cfg.Config.Source.Slot)
		}
		if err := adapter.CreateSlot(ctx); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("slot", cfg.Config.Source.Slot).
		Str("mode", cfg.Config.Source.Mode).
		Msg("Source ready")
	return adapter, nil
}
