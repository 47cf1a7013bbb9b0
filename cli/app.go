package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/cfg"
	"github.com/lucasgelfond/puffgres/engine"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/target"
	"github.com/lucasgelfond/puffgres/transform"
)

// connectStore validates config and opens the state store.
func connectStore(ctx context.Context) (*state.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, usage("%v", err)
	}
	store, err := state.Connect(ctx, cfg.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// loadMappingFiles parses every mapping file in the migrations directory,
// sorted by filename.
func loadMappingFiles() ([]*mapping.Mapping, error) {
	dir := cfg.Config.MigrationsDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, usage("cannot read migrations directory %s: %v", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, usage("no mapping files in %s", dir)
	}

	var mappings []*mapping.Mapping
	for _, path := range paths {
		m, err := mapping.ParseFile(path)
		if err != nil {
			return nil, usage("%s: %v", path, err)
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// applyMappings verifies content hashes against the store, records new
// applies, interns transform sources, and returns the active registry.
// With dryRun set nothing is written; pending applies are logged.
func applyMappings(ctx context.Context, store *state.Store, mappings []*mapping.Mapping, dryRun bool) (*mapping.Registry, error) {
	registry := mapping.NewRegistry()

	for _, m := range mappings {
		recorded, found, err := store.GetMigrationHash(ctx, m.Name, m.Version)
		if err != nil {
			return nil, err
		}

		switch {
		case found && recorded != m.ContentHash:
			return nil, usage(
				"mapping %s@%d drifted: recorded hash %s, file hashes to %s",
				m.Name, m.Version, recorded, m.ContentHash)
		case found:
			log.Debug().Str("mapping", m.Name).Int("version", m.Version).Msg("Already applied")
		case dryRun:
			log.Info().Str("mapping", m.Name).Int("version", m.Version).Msg("Would apply")
		default:
			if err := store.RecordMigration(ctx, m.Name, m.Version, m.ContentHash); err != nil {
				return nil, err
			}
			if err := internTransform(ctx, store, m); err != nil {
				return nil, err
			}
			log.Info().
				Str("mapping", m.Name).
				Int("version", m.Version).
				Str("namespace", m.Namespace).
				Msg("Applied mapping")
		}

		if err := registry.Add(m); err != nil {
			return nil, usage("%v", err)
		}
	}
	return registry, nil
}

// internTransform records the transform source and hash at apply time.
func internTransform(ctx context.Context, store *state.Store, m *mapping.Mapping) error {
	if m.Transform == nil || m.Transform.Path == "" {
		return nil
	}
	source, err := os.ReadFile(m.Transform.Path)
	if err != nil {
		return usage("mapping %s: cannot read transform %s: %v", m.Name, m.Transform.Path, err)
	}
	return store.RegisterTransform(ctx, m.Name, m.Version, string(source), transform.HashSource(string(source)))
}

// verifyTransforms checks interned transform hashes before the engine
// runs; drift is fatal for the mapping.
func verifyTransforms(ctx context.Context, store *state.Store, registry *mapping.Registry) error {
	for _, m := range registry.All() {
		if m.Transform == nil || m.Transform.Path == "" {
			continue
		}
		_, recorded, found, err := store.GetTransform(ctx, m.Name, m.Version)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		source, err := os.ReadFile(m.Transform.Path)
		if err != nil {
			return fmt.Errorf("mapping %s: cannot read transform %s: %w", m.Name, m.Transform.Path, err)
		}
		if transform.HashSource(string(source)) != recorded {
			return fmt.Errorf(
				"transform for %s@%d changed since apply; transforms are immutable once applied",
				m.Name, m.Version)
		}
	}
	return nil
}

// buildWriter wires the target client and writer from config.
func buildWriter() (*target.Writer, error) {
	client, err := target.NewHTTPClient(target.HTTPConfig{
		BaseURL:         cfg.Config.Target.BaseURL,
		APIKey:          cfg.Config.APIKey,
		NamespacePrefix: cfg.Config.Target.NamespacePrefix,
		Timeout:         time.Duration(cfg.Config.Target.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, usage("%v", err)
	}
	return target.NewWriter(target.WriterConfig{Client: client})
}

// buildTransformers constructs per-mapping transformers with their
// contexts.
func buildTransformers(registry *mapping.Registry, lookup transform.RowLookup) (map[string]transform.Transformer, error) {
	out := make(map[string]transform.Transformer)
	for _, m := range registry.All() {
		tctx := &transform.Context{
			Name:      m.Name,
			Namespace: m.Namespace,
			Relation:  m.Source.String(),
			Env:       transformEnv(),
			HTTP:      nil,
			Lookup:    lookup,
		}
		tr, err := transform.New(m, tctx)
		if err != nil {
			return nil, usage("%v", err)
		}
		out[m.Name] = tr
	}
	return out, nil
}

// transformEnv exposes the process environment to transform executors.
func transformEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// buildLookup creates the shared row lookup over every mapped relation.
func buildLookup(store *state.Store, registry *mapping.Registry) *engine.PgRowLookup {
	idColumns := make(map[string]string)
	for _, m := range registry.All() {
		idColumns[m.Source.String()] = m.ID.Column
	}
	return engine.NewPgRowLookup(store.Pool(), idColumns)
}
