package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lucasgelfond/puffgres/common"
	"github.com/lucasgelfond/puffgres/mapping"
	"github.com/lucasgelfond/puffgres/state"
	"github.com/lucasgelfond/puffgres/target"
	"github.com/lucasgelfond/puffgres/telemetry"
	"github.com/lucasgelfond/puffgres/transform"
)

// Store is the state surface the engine depends on; *state.Store satisfies
// it.
type Store interface {
	GetCheckpoint(ctx context.Context, mappingName string) (*state.Checkpoint, error)
	CommitBatch(ctx context.Context, mappingName string, maxLSN common.LSN, events uint64, failures []state.DLQInsert) error
	AppendDLQ(ctx context.Context, entries []state.DLQInsert) error
	MinAppliedLSN(ctx context.Context) (common.LSN, bool, error)
}

// DefaultMappingQueueSize bounds each mapping's event queue; a full queue
// stalls the router and, through it, the source.
const DefaultMappingQueueSize = 256

// transformChunkSize caps how many queued events one transformer
// invocation covers.
const transformChunkSize = 64

// mappingWorker owns one mapping's serial pipeline:
// Transform -> Batch -> Write -> Checkpoint, in strict LSN order.
type mappingWorker struct {
	m           *mapping.Mapping
	router      *Router
	transformer transform.Transformer
	writer      *target.Writer
	store       Store

	queue   chan *common.RowEvent
	batcher *Batcher

	// failures are quarantined rows awaiting the next commit.
	failures      []state.DLQInsert
	failureMaxLSN common.LSN

	strict           bool
	transformTimeout time.Duration
}

func newMappingWorker(m *mapping.Mapping, router *Router, tr transform.Transformer, writer *target.Writer, store Store, queueSize int, strict bool, transformTimeout time.Duration) *mappingWorker {
	if queueSize <= 0 {
		queueSize = DefaultMappingQueueSize
	}
	return &mappingWorker{
		m:                m,
		router:           router,
		transformer:      tr,
		writer:           writer,
		store:            store,
		queue:            make(chan *common.RowEvent, queueSize),
		batcher:          NewBatcher(m.Namespace, m.Batching),
		strict:           strict,
		transformTimeout: transformTimeout,
	}
}

// run drains the queue until ctx is cancelled or the queue closes, then
// flushes. A non-nil return is fatal to the engine.
func (w *mappingWorker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.m.Batching.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.drainAndFlush(context.WithoutCancel(ctx))

		case event, ok := <-w.queue:
			if !ok {
				return w.drainAndFlush(context.WithoutCancel(ctx))
			}
			chunk := w.drainChunk(event)
			telemetry.QueueDepth.With(w.m.Name).Set(float64(len(w.queue)))
			if err := w.processChunk(ctx, chunk); err != nil {
				return err
			}

		case <-ticker.C:
			if w.batcher.ShouldFlushByAge(time.Now()) || (w.batcher.Pending() == 0 && len(w.failures) > 0) {
				if err := w.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// drainChunk greedily pulls whatever is already queued, up to the
// transformer chunk size, preserving order.
func (w *mappingWorker) drainChunk(first *common.RowEvent) []*common.RowEvent {
	chunk := []*common.RowEvent{first}
	for len(chunk) < transformChunkSize {
		select {
		case event, ok := <-w.queue:
			if !ok {
				return chunk
			}
			chunk = append(chunk, event)
		default:
			return chunk
		}
	}
	return chunk
}

func (w *mappingWorker) drainAndFlush(ctx context.Context) error {
	for {
		select {
		case event, ok := <-w.queue:
			if !ok {
				return w.flush(ctx)
			}
			if err := w.processChunk(ctx, w.drainChunk(event)); err != nil {
				return err
			}
		default:
			return w.flush(ctx)
		}
	}
}

// step describes what one event contributes after routing.
type step struct {
	event     *common.RowEvent
	route     Route
	transform bool
	// inputIdx indexes into the transformer input batch for transform
	// steps.
	inputIdx int
}

// processChunk routes, transforms and batches an ordered chunk of events.
func (w *mappingWorker) processChunk(ctx context.Context, events []*common.RowEvent) error {
	steps := make([]step, 0, len(events))
	var inputs []transform.Input

	for _, event := range events {
		telemetry.EventsRoutedTotal.With(w.m.Name).Inc()

		route, err := w.router.Decide(ctx, w.m, event)
		if err != nil {
			w.quarantine(event, common.ErrTransform, err.Error())
			continue
		}

		switch route {
		case RouteDrop:
			continue
		case RouteSyntheticDelete:
			steps = append(steps, step{event: event, route: route})
		case RouteTransform:
			id, err := w.m.ExtractID(event)
			if err != nil {
				w.quarantine(event, common.ErrTransform, err.Error())
				continue
			}
			steps = append(steps, step{event: event, route: route, transform: true, inputIdx: len(inputs)})
			inputs = append(inputs, transform.Input{Event: event, ID: id})
		}
	}

	var actions []common.Action
	if len(inputs) > 0 {
		actions = transform.InvokeBatch(ctx, w.transformer, inputs, w.transformTimeout)
	}

	for _, st := range steps {
		var action common.Action
		if st.transform {
			action = actions[st.inputIdx]
		} else {
			var err error
			action, err = SyntheticDelete(w.m, st.event)
			if err != nil {
				w.quarantine(st.event, common.ErrTransform, err.Error())
				continue
			}
		}

		switch action.Type {
		case common.ActionSkip:
			telemetry.ActionsTotal.With(w.m.Name, "skip").Inc()
			continue
		case common.ActionFailure:
			w.quarantine(st.event, action.FailureKind, action.FailureMessage)
			continue
		}

		// Stamp the anti-regression token from the mapping's versioning
		// mode; the transformer does not know it.
		token, err := w.m.VersionToken(st.event)
		if err != nil {
			w.quarantine(st.event, common.ErrTransform, err.Error())
			continue
		}
		action.VersionToken = token

		telemetry.ActionsTotal.With(w.m.Name, action.Type.String()).Inc()
		if closed := w.batcher.Add(action, st.event.LSN); closed != nil {
			if err := w.writeBatch(ctx, closed); err != nil {
				return err
			}
		}
	}
	return nil
}

// quarantine records a permanent per-row failure for the next commit.
func (w *mappingWorker) quarantine(event *common.RowEvent, kind common.ErrorKind, message string) {
	raw, err := json.Marshal(event)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"encode_error":%q}`, err.Error()))
	}

	log.Warn().
		Str("mapping", w.m.Name).
		Stringer("lsn", event.LSN).
		Str("kind", string(kind)).
		Str("payload", common.TruncatePayload(raw, 200)).
		Msg(message)

	w.failures = append(w.failures, state.DLQInsert{
		MappingName:  w.m.Name,
		LSN:          event.LSN,
		EventJSON:    raw,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
	w.failureMaxLSN = common.MaxLSN(w.failureMaxLSN, event.LSN)
}

// flush closes the open batch and commits it together with any pending
// failures.
func (w *mappingWorker) flush(ctx context.Context) error {
	batch := w.batcher.Flush()
	if batch == nil {
		if len(w.failures) == 0 {
			return nil
		}
		return w.commit(ctx, w.failureMaxLSN, 0)
	}
	return w.writeBatch(ctx, batch)
}

// writeBatch writes a closed batch and commits the outcome. Returns an
// error only when ctx is cancelled or the state store fails; write failures are
// quarantined and the stream continues.
func (w *mappingWorker) writeBatch(ctx context.Context, batch *Batch) error {
	result, err := w.writer.WriteBatch(ctx, batch.Namespace, w.m.VersionAttribute(), batch.Actions(), batch.MaxLSN)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Transient retries exhausted: nothing durable happened. The rows
		// move to the DLQ so the stream keeps making progress.
		log.Error().
			Err(err).
			Str("mapping", w.m.Name).
			Str("namespace", batch.Namespace).
			Msg("Write retries exhausted, quarantining batch")
		for _, a := range batch.Actions() {
			w.quarantineAction(a, common.ErrTargetTransient, err.Error())
		}
		return w.commit(ctx, batch.MaxLSN, 0)
	}

	for _, f := range result.Failures {
		w.quarantineAction(f.Action, f.Kind, f.Message)
	}

	telemetry.BatchesFlushedTotal.With(batch.Namespace).Inc()
	telemetry.BatchRows.Observe(float64(batch.Len()))

	log.Debug().
		Str("mapping", w.m.Name).
		Str("namespace", batch.Namespace).
		Int("rows", batch.Len()).
		Int("written", result.Written).
		Int("stale", result.CondMismatches).
		Int("failed", len(result.Failures)).
		Stringer("max_lsn", batch.MaxLSN).
		Msg("Flushed batch")

	return w.commit(ctx, batch.MaxLSN, batch.Events)
}

// quarantineAction records a write-side failure; the raw event is carried
// on the action when the transformer attached it, otherwise the action
// itself is persisted.
func (w *mappingWorker) quarantineAction(a common.Action, kind common.ErrorKind, message string) {
	var raw []byte
	if a.RawEvent != nil {
		raw, _ = json.Marshal(a.RawEvent)
	}
	if raw == nil {
		raw, _ = json.Marshal(map[string]any{
			"action": a.Type.String(),
			"id":     a.ID.ToJSON(),
			"doc":    common.RowMap(a.Doc).ToJSONMap(),
		})
	}

	lsn := w.actionLSN(a)
	w.failures = append(w.failures, state.DLQInsert{
		MappingName:  w.m.Name,
		LSN:          lsn,
		EventJSON:    raw,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
	w.failureMaxLSN = common.MaxLSN(w.failureMaxLSN, lsn)
}

func (w *mappingWorker) actionLSN(a common.Action) common.LSN {
	if a.RawEvent != nil {
		return a.RawEvent.LSN
	}
	if i, ok := a.VersionToken.AsInt(); ok && i >= 0 {
		return common.LSN(i)
	}
	return 0
}

// commit persists pending failures and advances the checkpoint. In strict
// mode a pending failure pins the checkpoint; the DLQ rows still persist
// so nothing is lost.
func (w *mappingWorker) commit(ctx context.Context, maxLSN common.LSN, events uint64) error {
	advanceTo := common.MaxLSN(maxLSN, w.failureMaxLSN)
	if w.strict && len(w.failures) > 0 {
		advanceTo = 0
	}

	if err := w.store.CommitBatch(ctx, w.m.Name, advanceTo, events, w.failures); err != nil {
		return fmt.Errorf("state store commit failed for mapping %s: %w", w.m.Name, err)
	}
	w.failures = nil
	w.failureMaxLSN = 0
	return nil
}
