package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/source"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/target"
	"github.com/lucasgelfond/puffgres/transform"
)

// decodeFailureMapping labels DLQ entries for changes that never decoded
// far enough to route.
const decodeFailureMapping = "__decode"

// DefaultAckInterval between slot acknowledgements.
const DefaultAckInterval = 10 * time.Second

// Config wires an Engine.
type Config struct {
	Registry *mapping.Registry
	Adapter  source.Adapter
	Writer   *target.Writer
	Store    Store
	Lookup   transform.RowLookup

	// Transformers per mapping name; missing entries default to identity.
	Transformers map[string]transform.Transformer

	// FromLSN overrides the checkpoint-derived start position.
	FromLSN common.LSN
	// Strict pins a mapping's checkpoint while it has pending failures.
	Strict bool
	// QueueSize bounds each mapping's queue.
	QueueSize int
	// TransformTimeout bounds one executor invocation.
	TransformTimeout time.Duration
	// AckInterval between slot acknowledgements.
	AckInterval time.Duration
}

// Engine runs the streaming pipeline: one source task feeding a
// single-threaded router that fans out to serial per-mapping workers.
type Engine struct {
	config  Config
	router  *Router
	workers map[string]*mappingWorker
	guard   *source.SchemaGuard
}

// New builds an engine from applied mappings.
func New(config Config) (*Engine, error) {
	if config.Registry == nil || config.Registry.Len() == 0 {
		return nil, fmt.Errorf("no mappings registered")
	}
	if config.Adapter == nil {
		return nil, fmt.Errorf("source adapter is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("target writer is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.AckInterval <= 0 {
		config.AckInterval = DefaultAckInterval
	}
	if config.TransformTimeout <= 0 {
		config.TransformTimeout = transform.DefaultBatchTimeout
	}

	router := NewRouter(config.Registry, config.Lookup)

	tracked := make(map[string][]string)
	workers := make(map[string]*mappingWorker)
	for _, m := range config.Registry.All() {
		tr := config.Transformers[m.Name]
		if tr == nil {
			tr = transform.NewIdentity(m.Columns)
		}
		workers[m.Name] = newMappingWorker(
			m, router, tr, config.Writer, config.Store,
			config.QueueSize, config.Strict, config.TransformTimeout)

		// The schema guard watches the id column, predicate columns and
		// selected columns for each relation.
		rel := m.Source.String()
		cols := append([]string{m.ID.Column}, m.Columns...)
		if m.Membership.Predicate != nil {
			cols = append(cols, m.Membership.Predicate.Columns()...)
		}
		tracked[rel] = mergeTracked(tracked[rel], cols)
	}

	return &Engine{
		config:  config,
		router:  router,
		workers: workers,
		guard:   source.NewSchemaGuard(tracked),
	}, nil
}

func mergeTracked(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := existing[:0:0]
	for _, c := range append(existing, add...) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// StartLSN resolves where the stream resumes: an explicit override, or
// the minimum checkpoint across mappings.
func (e *Engine) StartLSN(ctx context.Context) (common.LSN, error) {
	if e.config.FromLSN > 0 {
		return e.config.FromLSN, nil
	}

	start := common.LSN(0)
	first := true
	for name := range e.workers {
		cp, err := e.config.Store.GetCheckpoint(ctx, name)
		if err != nil {
			return 0, err
		}
		if cp == nil {
			return 0, nil
		}
		if first || cp.AppliedLSN < start {
			start = cp.AppliedLSN
			first = false
		}
	}
	return start, nil
}

// Run streams until ctx is cancelled or a fatal error occurs. On
// cancellation in-flight batches flush and checkpoints persist before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	start, err := e.StartLSN(ctx)
	if err != nil {
		return fmt.Errorf("cannot resolve start position: %w", err)
	}

	changes, err := e.config.Adapter.Changes(ctx, start)
	if err != nil {
		return fmt.Errorf("cannot open change stream: %w", err)
	}

	log.Info().
		Stringer("from_lsn", start).
		Int("mappings", len(e.workers)).
		Bool("strict", e.config.Strict).
		Msg("Engine started")

	group, groupCtx := errgroup.WithContext(ctx)

	// Per-mapping pipelines.
	for _, w := range e.workers {
		worker := w
		group.Go(func() error {
			return worker.run(groupCtx)
		})
	}

	// Router task: single-threaded fan-out with backpressure via the
	// bounded worker queues.
	group.Go(func() error {
		defer func() {
			for _, w := range e.workers {
				close(w.queue)
			}
		}()
		return e.routeLoop(groupCtx, changes)
	})

	// Slot acknowledgement task, stopped once the pipeline drains.
	ackCtx, stopAck := context.WithCancel(groupCtx)
	defer stopAck()
	go e.ackLoop(ackCtx)

	err = group.Wait()
	stopAck()

	// Final acknowledgement after workers flushed their checkpoints.
	e.ackOnce(context.WithoutCancel(ctx))

	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Engine stopped")
	return nil
}

func (e *Engine) routeLoop(ctx context.Context, changes <-chan source.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-changes:
			if !ok {
				return nil
			}
			if env.Fatal != nil {
				return fmt.Errorf("source failed: %w", env.Fatal)
			}
			if env.Decode != nil {
				if err := e.handleDecodeFailure(ctx, env.Decode); err != nil {
					return err
				}
				continue
			}
			if err := e.routeEvent(ctx, env.Event); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) routeEvent(ctx context.Context, event *common.RowEvent) error {
	if err := e.guard.Check(event); err != nil {
		return fmt.Errorf("schema mismatch: %w", err)
	}

	for _, m := range e.router.Matches(event) {
		worker := e.workers[m.Name]
		if worker == nil {
			continue
		}
		select {
		case worker.queue <- event:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// handleDecodeFailure quarantines an undecodable change. The entry must be
// durable before the stream moves on; a dead state store halts the engine.
func (e *Engine) handleDecodeFailure(ctx context.Context, d *source.DecodeError) error {
	raw, err := json.Marshal(map[string]any{
		"lsn": uint64(d.LSN),
		"raw": string(d.Raw),
	})
	if err != nil {
		raw = d.Raw
	}

	log.Warn().
		Stringer("lsn", d.LSN).
		Str("payload", common.TruncatePayload(d.Raw, 200)).
		Msg("Quarantined undecodable change")

	if err := e.config.Store.AppendDLQ(ctx, []state.DLQInsert{{
		MappingName:  decodeFailureMapping,
		LSN:          d.LSN,
		EventJSON:    raw,
		ErrorKind:    common.ErrSourceFatal,
		ErrorMessage: d.Message,
	}}); err != nil {
		return fmt.Errorf("state store unreachable while quarantining decode failure: %w", err)
	}
	return nil
}

func (e *Engine) ackLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.AckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ackOnce(ctx)
		}
	}
}

// ackOnce advances the slot to the minimum confirmed LSN across mappings.
func (e *Engine) ackOnce(ctx context.Context) {
	lsn, ok, err := e.config.Store.MinAppliedLSN(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot read min checkpoint for slot ack")
		return
	}
	if !ok || lsn == common.BackfillLSN {
		return
	}
	if err := e.config.Adapter.Ack(ctx, lsn); err != nil {
		log.Warn().Err(err).Stringer("lsn", lsn).Msg("Slot ack failed")
	}
}
